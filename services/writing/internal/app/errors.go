package app

import "errors"

// ErrSessionBusy means another turn on the same session held the lock until
// the caller gave up.
var ErrSessionBusy = errors.New("session busy")
