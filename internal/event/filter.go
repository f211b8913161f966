package event

import (
	"fmt"
	"strings"
)

// Allowed reports whether name is in allowed. The set holds lower-case names.
func Allowed(name string, allowed map[string]struct{}) bool {
	_, ok := allowed[strings.ToLower(name)]
	return ok
}

// Filtered is the 200 body returned for events that are received but not relayed.
type Filtered struct {
	Status  string `json:"status"`
	Event   string `json:"event"`
	Message string `json:"message"`
}

// NewFiltered builds the filtered response for the event as sent by the caller.
func NewFiltered(original string) Filtered {
	return Filtered{
		Status:  "filtered",
		Event:   original,
		Message: fmt.Sprintf("Event '%s' is not in the allowed list", original),
	}
}
