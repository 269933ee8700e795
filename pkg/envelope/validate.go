package envelope

import "fmt"

// ValidationError names a single field-level failure.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
}

// ValidationResult is the outcome of envelope validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// requiredPayloadFields maps each kind to the payload fields that must be
// present before a message is handed to a coordinator.
var requiredPayloadFields = map[Kind][]string{
	KindIntent:       {"intentId", "targetResource", "actionDescriptor", "costEstimate", "priority"},
	KindCoordination: {"roundId", "proposedIntentId", "targetResource"},
	KindProposal:     {"proposalId", "creatorId", "payload", "votingDurationSeconds"},
	KindVote:         {"proposalId", "decision", "weight"},
	KindMove:         {"sessionId", "moveSequence", "movePayload"},
	KindCheckpoint:   {"sessionId", "sequence", "stateDigest"},
	KindGossip:       {"topic", "messageId", "data"},
}

// Validate performs fail-closed validation of an envelope: the frame fields
// and the payload fields required for the declared kind. Unknown kinds pass
// here; whether anyone handles them is the router's decision.
func Validate(env *Envelope) *ValidationResult {
	result := &ValidationResult{Valid: true}

	if env.Kind == "" {
		addError(result, "kind", "REQUIRED", "kind is required")
	}
	if env.SenderID == "" {
		addError(result, "senderId", "REQUIRED", "senderId is required")
	}
	if env.Timestamp <= 0 {
		addError(result, "timestamp", "INVALID_VALUE", "timestamp must be a positive unix time")
	}
	if env.Payload == nil {
		addError(result, "payload", "REQUIRED", "payload is required")
		return result
	}

	for _, field := range requiredPayloadFields[env.Kind] {
		if _, ok := env.Payload[field]; !ok {
			addError(result, "payload."+field, "REQUIRED",
				fmt.Sprintf("%s is required for kind %q", field, env.Kind))
		}
	}

	return result
}

func addError(result *ValidationResult, field, code, message string) {
	result.Valid = false
	result.Errors = append(result.Errors, ValidationError{
		Field:   field,
		Code:    code,
		Message: message,
	})
}
