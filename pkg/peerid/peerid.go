package peerid

import (
	"github.com/google/uuid"
)

// An InstanceID names one run of a tunnel endpoint. It is assigned when
// the tunnel is created and changes on every restart, so event logs can
// tell a restarted peer from the one before it.
type InstanceID [16]byte

func New() InstanceID {
	uid := uuid.New()

	id := InstanceID{}
	copy(id[:], uid[:])
	return id
}

// Parse reads the canonical text form.
func Parse(s string) (InstanceID, error) {
	uid, err := uuid.Parse(s)
	if err != nil {
		return InstanceID{}, err
	}
	return InstanceID(uid), nil
}

func (id InstanceID) String() string { return uuid.UUID(id).String() }

// Short is the first eight hex digits, for log lines and dashboards.
func (id InstanceID) Short() string { return id.String()[:8] }

func (id InstanceID) IsZero() bool { return id == InstanceID{} }
