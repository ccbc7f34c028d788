package eventrelay

// Status represents the lifecycle state of an outbox record.
type Status int16

const (
	// StatusPending indicates the record has not been published yet.
	StatusPending Status = 0
	// StatusRelayed indicates the record was published and marked. Terminal.
	StatusRelayed Status = 1
)

func (s Status) String() string {
	if s == StatusRelayed {
		return "relayed"
	}

	return "pending"
}
