package server

// User-facing error messages. Internal details are logged, never returned.
const (
	msgUnauthorized      = "unauthorized"
	msgInvalidJSON       = "invalid_json"
	msgMethodNotAllowed  = "method_not_allowed"
	msgTitleKindRequired = "title_kind_required"
	msgInvalidKind       = "invalid_kind"
	msgInvalidStatus     = "invalid_status"
	msgInvalidTitle      = "invalid_title"
	msgIllegalTransition = "illegal_transition"
	msgSessionNotFound   = "session_not_found"
	msgChatFieldsMissing = "chat_fields_missing"
	msgSessionIDRequired = "session_id_required"
	msgSessionCompleted  = "session_completed"
	msgSessionBusy       = "session_busy"
	msgRateLimited       = "rate_limited"
	msgAIUnavailable     = "ai_unavailable"
	msgInternal          = "internal"
)

var catalog = map[string]map[string]string{
	"en": {
		msgUnauthorized:      "Please sign in again.",
		msgInvalidJSON:       "The request body is not valid JSON.",
		msgMethodNotAllowed:  "Method not allowed.",
		msgTitleKindRequired: "Title and type are required.",
		msgInvalidKind:       "Invalid session type.",
		msgInvalidStatus:     "Invalid status.",
		msgInvalidTitle:      "Title must not be empty.",
		msgIllegalTransition: "This status change is not allowed.",
		msgSessionNotFound:   "Session not found.",
		msgChatFieldsMissing: "Session id and message are required.",
		msgSessionIDRequired: "Session id is required.",
		msgSessionCompleted:  "This session has already ended.",
		msgSessionBusy:       "Still working on your previous message. Try again in a moment.",
		msgRateLimited:       "Too many messages. Please wait a moment.",
		msgAIUnavailable:     "Could not reach the writing coach. Please try again.",
		msgInternal:          "Something went wrong. Please try again.",
	},
	"he": {
		msgUnauthorized:      "נדרשת התחברות",
		msgInvalidJSON:       "גוף הבקשה אינו JSON תקין",
		msgMethodNotAllowed:  "פעולה לא נתמכת",
		msgTitleKindRequired: "כותרת וסוג הם חובה",
		msgInvalidKind:       "סוג לא תקין",
		msgInvalidStatus:     "סטטוס לא תקין",
		msgInvalidTitle:      "כותרת לא יכולה להיות ריקה",
		msgIllegalTransition: "שינוי הסטטוס אינו מותר",
		msgSessionNotFound:   "סשן לא נמצא",
		msgChatFieldsMissing: "נדרשים מזהה סשן והודעה",
		msgSessionIDRequired: "נדרש מזהה סשן",
		msgSessionCompleted:  "הסשן כבר הסתיים",
		msgSessionBusy:       "ההודעה הקודמת עדיין בטיפול. נסה שוב בעוד רגע.",
		msgRateLimited:       "יותר מדי הודעות. נא להמתין רגע.",
		msgAIUnavailable:     "שגיאה בתקשורת עם ה-AI. נסה שוב.",
		msgInternal:          "אירעה שגיאה. נסה שוב.",
	},
}

func (s *Server) message(key string) string {
	if msgs, ok := catalog[s.locale]; ok {
		if msg, ok := msgs[key]; ok {
			return msg
		}
	}
	return catalog["en"][key]
}
