// Package responder is the Peripheral-side answering policy: one question at
// a time, answered with a randomly picked reply.
package responder

import (
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/chaz8081/magic8ball/internal/sdk"
)

// DefaultAnswers are the twenty replies of the classic toy.
var DefaultAnswers = []string{
	"It is certain.",
	"It is decidedly so.",
	"Without a doubt.",
	"Yes, definitely.",
	"You may rely on it.",
	"As I see it, yes.",
	"Most likely.",
	"Outlook good.",
	"Yes.",
	"Signs point to yes.",
	"Reply hazy, try again.",
	"Ask again later.",
	"Better not tell you now.",
	"Cannot predict now.",
	"Concentrate and ask again.",
	"Don't count on it.",
	"My reply is no.",
	"My sources say no.",
	"Outlook not so good.",
	"Very doubtful.",
}

// Answerer is the part of a Central record the responder drives.
type Answerer interface {
	Question() string
	SendAnswer(answer, question string)
	RejectConnectionBecause(reason sdk.Reason)
}

// Compile-time interface satisfaction checks.
var (
	_ Answerer               = (*sdk.CentralDevice)(nil)
	_ sdk.PeripheralObserver = (*Responder)(nil)
)

// Picker chooses the answer to a question.
type Picker interface {
	Pick(question string) string
}

// RandomPicker picks uniformly from Answers.
type RandomPicker struct {
	Answers []string
}

// Pick ignores the question. It falls back to DefaultAnswers when Answers
// is empty.
func (p RandomPicker) Pick(string) string {
	answers := p.Answers
	if len(answers) == 0 {
		answers = DefaultAnswers
	}
	return answers[rand.Intn(len(answers))]
}

// Responder answers questions as they arrive and turns away a second
// question while the first is still being answered.
type Responder struct {
	picker Picker
	delay  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	working bool
}

// New creates a Responder. delay holds each answer back before sending it.
// Panics if picker is nil (programmer error).
func New(picker Picker, delay time.Duration, logger *slog.Logger) *Responder {
	if picker == nil {
		panic("responder: New called with nil picker")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{picker: picker, delay: delay, logger: logger}
}

// Busy reports whether a question is being answered.
func (r *Responder) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.working
}

// QuestionAskedByDevice implements sdk.PeripheralObserver.
func (r *Responder) QuestionAskedByDevice(device *sdk.CentralDevice) {
	r.handle(device)
}

// AnswerSentToDevice implements sdk.PeripheralObserver.
func (r *Responder) AnswerSentToDevice(device *sdk.CentralDevice) {
	r.logger.Info("[RESPONDER] Answered", "central", device.Name(), "question", device.Question(), "answer", device.Answer())
	r.release()
}

// ErrorOccurred implements sdk.Observer. Our own busy rejection leaves the
// latch set; anything else ends the current question.
func (r *Responder) ErrorOccurred(err error, _ sdk.SDK) {
	if errors.Is(err, sdk.ErrDeviceBusy) {
		return
	}
	r.logger.Debug("[RESPONDER] Releasing after error", "error", err)
	r.release()
}

func (r *Responder) handle(a Answerer) {
	question := a.Question()

	r.mu.Lock()
	if r.working {
		r.mu.Unlock()
		r.logger.Info("[RESPONDER] Busy, rejecting", "question", question)
		a.RejectConnectionBecause(sdk.ReasonDeviceBusy)
		return
	}
	r.working = true
	r.mu.Unlock()

	answer := r.picker.Pick(question)
	r.logger.Debug("[RESPONDER] Picked answer", "question", question, "answer", answer)

	if r.delay <= 0 {
		a.SendAnswer(answer, question)
		return
	}
	time.AfterFunc(r.delay, func() { a.SendAnswer(answer, question) })
}

func (r *Responder) release() {
	r.mu.Lock()
	r.working = false
	r.mu.Unlock()
}
