package game

import (
	"github.com/fixspeech/wordfall/internal/entity"
	"github.com/fixspeech/wordfall/internal/recognition"
)

// command is an inbox event that expects a reply.
type command interface {
	withReply(chan error) command
}

type replier struct{ reply chan error }

func (r replier) respond(err error) {
	if r.reply != nil {
		r.reply <- err
	}
}

type cmdSelect struct {
	replier
	sel StageSelection
}

type cmdEnd struct{ replier }

type cmdRetry struct{ replier }

type cmdReset struct{ replier }

type cmdMiss struct {
	replier
	roundID string
	id      uint64
}

type cmdTranscript struct {
	replier
	t recognition.Transcript
}

func (c cmdSelect) withReply(ch chan error) command     { c.reply = ch; return c }
func (c cmdEnd) withReply(ch chan error) command        { c.reply = ch; return c }
func (c cmdRetry) withReply(ch chan error) command      { c.reply = ch; return c }
func (c cmdReset) withReply(ch chan error) command      { c.reply = ch; return c }
func (c cmdMiss) withReply(ch chan error) command       { c.reply = ch; return c }
func (c cmdTranscript) withReply(ch chan error) command { c.reply = ch; return c }

// Events posted by timers and subsystems carry the epoch of the phase that
// produced them and are dropped once that phase is over.
type evTick struct{ epoch uint64 }

type evSpawn struct {
	epoch uint64
	e     entity.Entity
}

type evFall struct {
	epoch uint64
	id    uint64
}

type evTranscript struct {
	epoch uint64
	t     recognition.Transcript
}

// evSubsystem reports a subsystem start result or a later failure. A nil err
// means the subsystem is up. current applies it to whatever round is running.
type evSubsystem struct {
	epoch   uint64
	current bool
	name    string
	detail  string
	err     error
}
