package courier

import (
	"errors"
	"fmt"
)

var _ Channel = (*Multicast)(nil)

// Multicast fans every envelope out to its members, in no particular
// order. A failing member does not prevent delivery to the others.
type Multicast struct {
	members []Channel
}

func NewMulticast(members ...Channel) *Multicast {
	return &Multicast{members: members}
}

func (mc *Multicast) TargetID() string {
	return ""
}

func (mc *Multicast) Members() []Channel {
	return mc.members
}

func (mc *Multicast) Send(env *Envelope) error {
	var errs []error
	for _, member := range mc.members {
		if err := member.Send(env.clone()); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", member.TargetID(), err))
		}
	}
	return errors.Join(errs...)
}
