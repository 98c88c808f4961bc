package task

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// DurabilityHint lets a caller pick the backend explicitly.
type DurabilityHint string

const (
	HintUnset    DurabilityHint = ""
	HintSimple   DurabilityHint = "simple"
	HintDurable  DurabilityHint = "durable"
	HintExternal DurabilityHint = "external"
)

const maxIDLength = 128

// Options are forwarded to the backend that runs the task.
type Options struct {
	Priority int           `json:"priority,omitempty"`
	Delay    time.Duration `json:"delay,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
}

// Task is a unit of work submitted once. Its status lives in the tracker.
type Task struct {
	ID             string         `json:"id"`
	Kind           string         `json:"kind"`
	Payload        []byte         `json:"payload,omitempty"`
	DurabilityHint DurabilityHint `json:"durability_hint,omitempty"`
	Options        Options        `json:"options"`
	CreatedAt      time.Time      `json:"created_at"`
}

func (t Task) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.ID, validation.Length(0, maxIDLength)),
		validation.Field(&t.Kind, validation.Required, validation.Length(1, 256)),
		validation.Field(&t.DurabilityHint,
			validation.In(HintSimple, HintDurable, HintExternal),
		),
		validation.Field(&t.Options, validation.By(func(value interface{}) error {
			o, ok := value.(Options)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be Options")
			}
			return validation.ValidateStruct(&o,
				validation.Field(&o.Priority, validation.Min(0)),
				validation.Field(&o.Delay, validation.Min(time.Duration(0))),
				validation.Field(&o.Timeout, validation.Min(time.Duration(0))),
				validation.Field(&o.Attempts, validation.Min(0)),
			)
		})),
	)
}
