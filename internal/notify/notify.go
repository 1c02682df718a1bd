// Package notify shows desktop notifications through notify-send, updating a
// single notification in place.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"walker-yt/internal/logging"
)

// Urgency levels understood by notify-send.
type Urgency string

const (
	Low      Urgency = "low"
	Normal   Urgency = "normal"
	Critical Urgency = "critical"
)

// NoProgress marks a message without a progress bar.
const NoProgress = -1

const syncHint = "string:x-canonical-private-synchronous:"

// Message is one notification update.
type Message struct {
	Summary string
	Body    string
	Urgency Urgency
	Icon    string
	// Percent in 0..100 draws a progress bar; NoProgress omits it.
	Percent int
}

// Sender replaces its previous notification on every Send, so a request shows
// as one updating popup.
type Sender struct {
	binary string
	app    string
	logger logrus.FieldLogger

	mu sync.Mutex
	id int
}

// NewSender returns a sender using binary and tagging notifications with app.
func NewSender(binary, app string, logger logrus.FieldLogger) *Sender {
	return &Sender{binary: binary, app: app, logger: logging.Component(logger, "notify")}
}

// ID returns the server side id of the current notification, zero before the
// first send.
func (s *Sender) ID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Send shows or updates the notification.
func (s *Sender) Send(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	args := s.args(msg)
	// #nosec G204 - the binary comes from configuration.
	cmd := exec.CommandContext(ctx, s.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("notify: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	if id, err := strconv.Atoi(strings.TrimSpace(string(out))); err == nil && id > 0 {
		s.id = id
	}
	s.logger.WithFields(logrus.Fields{"id": s.id, "percent": msg.Percent}).Debug(msg.Summary)
	return nil
}

func (s *Sender) args(msg Message) []string {
	urgency := msg.Urgency
	if urgency == "" {
		urgency = Normal
	}

	args := []string{"-u", string(urgency), "-p"}
	if s.app != "" {
		args = append(args, "-a", s.app, "-h", syncHint+s.app)
	}
	if s.id > 0 {
		args = append(args, "-r", strconv.Itoa(s.id))
	}
	if msg.Icon != "" {
		args = append(args, "-i", msg.Icon)
	}
	if msg.Percent >= 0 {
		pct := msg.Percent
		if pct > 100 {
			pct = 100
		}
		args = append(args, "-h", "int:value:"+strconv.Itoa(pct))
	}

	args = append(args, msg.Summary)
	if msg.Body != "" {
		args = append(args, msg.Body)
	}
	return args
}
