package app

// Prompts is the fixed text the orchestrator sends on the user's behalf.
type Prompts struct {
	// System is the coaching instruction sent with every provider call.
	System string
	// ClosingRequest asks for the rubric critique. It is sent to the
	// provider but never stored.
	ClosingRequest string
	// ClosingMarker is stored in the ledger in place of ClosingRequest.
	ClosingMarker string
}

const systemPromptBase = `You are Writing Buddy, a patient writing coach for school students.
Guide the student through planning, drafting and revising their own text.
Ask one focused question at a time and keep replies short.
Never write the text for the student. Offer hints, examples of technique, and questions instead.
When the student shares a draft, point out one strength and one concrete next step.
Keep a warm, encouraging tone suited to the student's age.`

var promptsByLocale = map[string]Prompts{
	"en": {
		System:         systemPromptBase + "\nReply in English.",
		ClosingRequest: "I'm done writing! Please give me summary feedback using the writing rubric (content, cohesion, language, conventions). Name two stars (strengths) and one wish (something to improve).",
		ClosingMarker:  "I'm done writing! Please give me summary feedback.",
	},
	"he": {
		System:         systemPromptBase + "\nReply in Hebrew.",
		ClosingRequest: `סיימתי לכתוב! אנא תן לי משוב מסכם לפי מחוון ראמ"ה (תוכן, לכידות, לשון, מוסכמות). ציין שני כוכבים (נקודות חוזקה) ומשאלה אחת (נקודה לשיפור).`,
		ClosingMarker:  "סיימתי לכתוב! אנא תן לי משוב מסכם.",
	},
}

// PromptsFor returns the prompt set for locale, falling back to English.
func PromptsFor(locale string) Prompts {
	if p, ok := promptsByLocale[locale]; ok {
		return p
	}
	return promptsByLocale["en"]
}
