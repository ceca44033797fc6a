package api

import (
	"encoding/hex"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"scard/pkg/journal"
	"scard/pkg/scard"

	log "github.com/sirupsen/logrus"
)

const (
	defaultJournalLimit = 50
	maxJournalLimit     = 1000
)

type ServerDescription struct {
	Name         string `json:"ServerName"`
	Manufacturer string `json:"Manufacturer"`
	Version      string `json:"ManufacturerVersion"`
	Location     string `json:"Location"`
}

// ReaderList is the part of scard.ReaderList the server uses.
type ReaderList interface {
	Readers() []*scard.Reader
	Reader(index int) (*scard.Reader, error)
	SubmitControl(command []byte)
}

// History gives access to past reader events.
type History interface {
	Recent(n int) ([]journal.Entry, error)
}

// Server exposes the readers of one device over HTTP. Requests that reach
// the card are asynchronous: the server answers once the request is queued
// and the result shows up in the journal.
type Server struct {
	description ServerDescription
	readers     ReaderList
	history     History
	tmpl        *template.Template
	logger      log.FieldLogger
}

func NewServer(description ServerDescription, readers ReaderList, history History, tmpl *template.Template, logger log.FieldLogger) *Server {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Server{
		description: description,
		readers:     readers,
		history:     history,
		tmpl:        tmpl,
		logger:      logger.WithField("component", "api"),
	}
}

func (s *Server) AddRoutes() *http.ServeMux {
	r := http.NewServeMux()

	r.Handle("GET /api/v1/description", handle(s.handleDescription))
	r.Handle("GET /api/v1/readers", handle(s.handleReaders))
	r.Handle("GET /api/v1/readers/{index}", handle(s.handleReader))
	r.Handle("PUT /api/v1/readers/{index}/connect", handle(s.handleConnect))
	r.Handle("PUT /api/v1/readers/{index}/disconnect", handle(s.handleDisconnect))
	r.Handle("PUT /api/v1/readers/{index}/reconnect", handle(s.handleReconnect))
	r.Handle("PUT /api/v1/readers/{index}/transmit", handle(s.handleTransmit))
	r.Handle("PUT /api/v1/control", handle(s.handleControl))
	r.Handle("GET /api/v1/journal", handle(s.handleJournal))
	r.HandleFunc("GET /{$}", s.handleStatusPage)

	return r
}

func (s *Server) handleDescription(r *http.Request) (any, error) {
	return s.description, nil
}

func (s *Server) handleReaders(r *http.Request) (any, error) {
	readers := s.readers.Readers()
	infos := make([]scard.ReaderInfo, 0, len(readers))
	for _, reader := range readers {
		infos = append(infos, reader.Snapshot())
	}
	return infos, nil
}

func (s *Server) reader(r *http.Request) (*scard.Reader, error) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		return nil, invalidValue("invalid reader index", err)
	}
	reader, err := s.readers.Reader(index)
	if err != nil {
		return nil, &apiError{code: errInvalidValue, message: err.Error()}
	}
	return reader, nil
}

// channel returns the current channel of the requested reader.
func (s *Server) channel(r *http.Request) (*scard.Channel, error) {
	reader, err := s.reader(r)
	if err != nil {
		return nil, err
	}
	ch := reader.Channel()
	if ch == nil {
		return nil, &apiError{code: errNotConnected, message: fmt.Sprintf("%s: %v", reader, scard.ErrNoChannel)}
	}
	return ch, nil
}

func (s *Server) handleReader(r *http.Request) (any, error) {
	reader, err := s.reader(r)
	if err != nil {
		return nil, err
	}
	return reader.Snapshot(), nil
}

func (s *Server) handleConnect(r *http.Request) (any, error) {
	reader, err := s.reader(r)
	if err != nil {
		return nil, err
	}
	if !reader.CardPresent() {
		return nil, &apiError{code: errInvalidOperation, message: fmt.Sprintf("%s: %v", reader, scard.ErrNoCard)}
	}
	s.logger.Debugf("Connect requested on %s", reader)
	reader.CardConnect()
	return true, nil
}

func (s *Server) handleDisconnect(r *http.Request) (any, error) {
	ch, err := s.channel(r)
	if err != nil {
		return nil, err
	}
	ch.CardDisconnect()
	return true, nil
}

func (s *Server) handleReconnect(r *http.Request) (any, error) {
	ch, err := s.channel(r)
	if err != nil {
		return nil, err
	}
	ch.CardReconnect()
	return true, nil
}

func (s *Server) handleTransmit(r *http.Request) (any, error) {
	ch, err := s.channel(r)
	if err != nil {
		return nil, err
	}
	command, err := parseHexRequest(r, "command")
	if err != nil {
		return nil, err
	}
	s.logger.Debugf("Transmit %X on %s", command, ch.Reader())
	ch.Transmit(command)
	return true, nil
}

func (s *Server) handleControl(r *http.Request) (any, error) {
	command, err := parseHexRequest(r, "command")
	if err != nil {
		return nil, err
	}
	s.readers.SubmitControl(command)
	return true, nil
}

func (s *Server) handleJournal(r *http.Request) (any, error) {
	limit := defaultJournalLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, &apiError{code: errInvalidValue, message: "limit must be a positive integer"}
		}
		limit = min(n, maxJournalLimit)
	}
	return s.history.Recent(limit)
}

func parseHexRequest(r *http.Request, field string) ([]byte, error) {
	value, err := parseRequest(r, field)
	if err != nil {
		return nil, &apiError{code: errInvalidValue, message: err.Error()}
	}
	data, err := hex.DecodeString(strings.ReplaceAll(value, " ", ""))
	if err != nil {
		return nil, invalidValue("invalid "+field, err)
	}
	if len(data) == 0 {
		return nil, &apiError{code: errInvalidValue, message: field + " is empty"}
	}
	return data, nil
}

// handleStatusPage renders the slots as an html page.
func (s *Server) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	var readers []scard.ReaderInfo
	for _, reader := range s.readers.Readers() {
		readers = append(readers, reader.Snapshot())
	}
	entries, err := s.history.Recent(20)
	if err != nil {
		s.logger.Errorf("Failed to read journal: %v", err)
	}

	data := struct {
		ServerDescription
		Readers []scard.ReaderInfo
		Entries []journal.Entry
	}{s.description, readers, entries}

	if err := s.tmpl.ExecuteTemplate(w, "status.html", data); err != nil {
		http.Error(w, "Error rendering template", http.StatusInternalServerError)
		s.logger.Errorf("Error rendering template: %v", err)
	}
}
