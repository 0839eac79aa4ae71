package main

import (
	"github.com/edgesock/edgesock/internal/stream"
	"github.com/sirupsen/logrus"
)

// echoHandler is the sample application callback wired into the
// edgesockd binary: it writes every received frame straight back to
// its sender and logs closures. Real deployments supply their own
// workerpool.Handler; this one exists so the binary demonstrates the
// full round trip without extra configuration.
type echoHandler struct {
	log *logrus.Logger
}

func newEchoHandler(log *logrus.Logger) *echoHandler {
	return &echoHandler{log: log}
}

func (h *echoHandler) OnDataReceived(s *stream.Stream, payload []byte) {
	if err := s.Send(payload); err != nil {
		h.log.WithError(err).WithField("fd", s.FD()).Debug("echoHandler: send failed")
	}
}

func (h *echoHandler) OnStreamClosed(fd int) {
	h.log.WithField("fd", fd).Trace("echoHandler: connection closed")
}
