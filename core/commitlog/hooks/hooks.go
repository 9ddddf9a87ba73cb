// Package hooks lets callers veto or observe sends and commits
// without touching the commit log itself.
package hooks

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrRejected wraps every veto returned by a hook.
var ErrRejected = errors.New("rejected by hook")

// DefaultHook logs every operation and accepts it.
type DefaultHook struct{}

func NewDefaultHook() *DefaultHook {
	return &DefaultHook{}
}

func (h *DefaultHook) OnSend(topic string, msg int) error {
	log.Debugf("send of %d to %s accepted", msg, topic)
	return nil
}

func (h *DefaultHook) OnCommit(topic string, offset int) error {
	log.Debugf("commit of %s at %d accepted", topic, offset)
	return nil
}

// ValidationHook rejects empty or oversized topics and negative offsets.
type ValidationHook struct {
	maxTopicLen int
}

// NewValidationHook returns a hook accepting topics of up to maxTopicLen bytes.
// A non-positive limit only rejects the empty topic.
func NewValidationHook(maxTopicLen int) *ValidationHook {
	return &ValidationHook{maxTopicLen: maxTopicLen}
}

func (v *ValidationHook) OnSend(topic string, _ int) error {
	return v.checkTopic(topic)
}

func (v *ValidationHook) OnCommit(topic string, offset int) error {
	if offset < 0 {
		return errors.Wrapf(ErrRejected, "negative offset %d for %q", offset, topic)
	}

	return v.checkTopic(topic)
}

func (v *ValidationHook) checkTopic(topic string) error {
	if topic == "" {
		return errors.Wrap(ErrRejected, "empty topic")
	}
	if v.maxTopicLen > 0 && len(topic) > v.maxTopicLen {
		return errors.Wrapf(ErrRejected, "topic of %d bytes exceeds %d", len(topic), v.maxTopicLen)
	}

	return nil
}
