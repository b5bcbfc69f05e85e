// Package server provides the HTTP API and event stream over the timeline core.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/bryan-buckman/statusync/internal/client"
	"github.com/bryan-buckman/statusync/internal/database"
	"github.com/bryan-buckman/statusync/internal/event"
	"github.com/bryan-buckman/statusync/internal/feed"
	"github.com/bryan-buckman/statusync/internal/model"
	"github.com/bryan-buckman/statusync/internal/timeline"
	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// SessionFactory builds the session for an account.
type SessionFactory func(acct model.Account) *timeline.Session

// DefaultTimeline is displayed when a session starts.
var DefaultTimeline = timeline.Spec{Kind: timeline.KindFriends}

// Server is the main HTTP server.
type Server struct {
	db         database.Store
	newSession SessionFactory
	poller     *timeline.Poller
	router     chi.Router
	httpServer *http.Server

	// events carries notifications of the current session's displayed timeline.
	events event.Event[timeline.Notification]

	mu      sync.Mutex
	session *timeline.Session
	detach  func()
}

// New creates a new server and opens a session for the default account, if any.
func New(db database.Store, newSession SessionFactory) *Server {
	s := &Server{
		db:         db,
		newSession: newSession,
	}
	s.poller = timeline.NewPoller(db, s.Sessions)
	s.reloadSession()
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Route("/api", func(r chi.Router) {
		r.Get("/accounts", s.handleListAccounts)
		r.Post("/accounts", s.handleSaveAccount)
		r.Post("/accounts/default", s.handleSetDefault)
		r.Delete("/accounts/{accountID}", s.handleDeleteAccount)

		r.Get("/timeline", s.handleTimeline)
		r.Post("/timeline/refresh", s.handleRefresh)
		r.Post("/timeline/older", s.handleOlder)
		r.Get("/timeline/atom", s.handleAtom)

		r.Post("/notices/{noticeID}/{action:favorite|unfavorite|repeat}", s.handleNoticeAction)
		r.Delete("/notices/{noticeID}", s.handleDeleteNotice)
		r.Get("/notices/{noticeID}/share", s.handleShare)

		r.Get("/events", s.handleEvents)

		r.Get("/settings", s.handleGetSettings)
		r.Post("/settings", s.handleSaveSettings)
		r.Get("/search-history", s.handleSearchHistory)
		r.Post("/search-history", s.handleAddSearchTerm)
	})

	s.router = r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Sessions returns the open sessions.
func (s *Server) Sessions() []*timeline.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	return []*timeline.Session{s.session}
}

// Session returns the default account's session, or nil.
func (s *Server) Session() *timeline.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Start starts the poller and serves HTTP until Stop is called.
func (s *Server) Start(addr string) error {
	hs := &http.Server{Addr: addr, Handler: s.router}
	s.mu.Lock()
	s.httpServer = hs
	s.mu.Unlock()

	s.poller.Start()
	log.Printf("Server starting on %s", addr)
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts down the HTTP server and the poller.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	hs := s.httpServer
	s.mu.Unlock()

	var err error
	if hs != nil {
		err = hs.Shutdown(ctx)
	}
	s.poller.Stop()

	s.mu.Lock()
	if s.session != nil {
		s.detach()
		s.session.Close()
	}
	s.mu.Unlock()
	return err
}

// reloadSession points the server at the current default account.
func (s *Server) reloadSession() {
	acct, err := s.db.GetDefaultAccount()
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		log.Printf("Error loading default account: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if acct != nil && s.session != nil && s.session.Account().ID == acct.ID {
		return
	}
	if s.session != nil {
		s.detach()
		s.session.Close()
		s.session, s.detach = nil, nil
	}
	if acct == nil {
		return
	}

	next := s.newSession(*acct)
	s.detach = next.Events.Subscribe(s.events.Publish)
	if _, err := next.Switch(DefaultTimeline); err != nil {
		log.Printf("Error opening %s timeline: %v", DefaultTimeline.Name(), err)
	}
	s.session = next
	log.Printf("Session opened for %s at %s", acct.Username, acct.APIRoot)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps core errors onto HTTP status codes.
func statusFor(err error) int {
	var te *client.TransportError
	var pe *feed.ParseError
	switch {
	case errors.As(err, &te):
		if te.Status == http.StatusNotFound {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	case errors.As(err, &pe):
		return http.StatusBadGateway
	case errors.Is(err, timeline.ErrNoTimeline), errors.Is(err, timeline.ErrNoOlderNotices):
		return http.StatusConflict
	case errors.Is(err, timeline.ErrNoticeNotFound), errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) requireSession(w http.ResponseWriter) *timeline.Session {
	sess := s.Session()
	if sess == nil {
		http.Error(w, "No default account", http.StatusConflict)
	}
	return sess
}

func noticeIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "noticeID"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "Invalid notice id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// noticeView is a notice as served to clients.
type noticeView struct {
	model.Notice
	Text string `json:"text"`
	Age  string `json:"age"`
}

// sortedViews orders notices newest first by updated time.
func sortedViews(notices []model.Notice) []noticeView {
	sort.SliceStable(notices, func(i, j int) bool {
		return notices[i].Updated.After(notices[j].Updated)
	})
	views := make([]noticeView, len(notices))
	for i, n := range notices {
		views[i] = noticeView{Notice: n, Text: feed.PlainText(n.Content), Age: timeAgo(n.Updated)}
	}
	return views
}

func timeAgo(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return humanize.Time(t)
}

// --- Account Handlers ---

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.db.ListAccounts()
	if err != nil {
		http.Error(w, "Failed to list accounts", http.StatusInternalServerError)
		return
	}
	if accounts == nil {
		accounts = []model.Account{}
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (s *Server) handleSaveAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username  string `json:"username"`
		Password  string `json:"password"`
		APIRoot   string `json:"apiroot"`
		Nickname  string `json:"nickname"`
		AvatarURL string `json:"profile_image_url"`
		TextLimit int    `json:"text_limit"`
		SiteLogo  string `json:"site_logo"`
		Default   bool   `json:"is_default"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.APIRoot == "" {
		http.Error(w, "username and apiroot are required", http.StatusBadRequest)
		return
	}

	acct := &model.Account{
		Username:  req.Username,
		Password:  req.Password,
		APIRoot:   req.APIRoot,
		Nickname:  req.Nickname,
		AvatarURL: req.AvatarURL,
		TextLimit: req.TextLimit,
		SiteLogo:  req.SiteLogo,
	}
	if _, err := s.db.EnsureAccount(acct); err != nil {
		log.Printf("Error saving account %s: %v", req.Username, err)
		http.Error(w, "Failed to save account", http.StatusInternalServerError)
		return
	}

	_, err := s.db.GetDefaultAccount()
	if req.Default || errors.Is(err, database.ErrNotFound) {
		if err := s.db.SetDefaultAccount(acct.Username, acct.APIRoot); err != nil {
			http.Error(w, "Failed to set default account", http.StatusInternalServerError)
			return
		}
		s.reloadSession()
	}

	saved, err := s.db.GetAccountByID(acct.ID)
	if err != nil {
		http.Error(w, "Failed to load account", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleSetDefault(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		APIRoot  string `json:"apiroot"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if err := s.db.SetDefaultAccount(req.Username, req.APIRoot); err != nil {
		http.Error(w, "Failed to set default account", statusFor(err))
		return
	}
	s.reloadSession()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid account id", http.StatusBadRequest)
		return
	}
	acct, err := s.db.GetAccountByID(id)
	if err != nil {
		http.Error(w, "Account not found", statusFor(err))
		return
	}
	if err := s.db.DeleteAccount(acct.Username, acct.APIRoot); err != nil {
		http.Error(w, "Failed to delete account", http.StatusInternalServerError)
		return
	}
	s.reloadSession()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Timeline Handlers ---

// specFromQuery reads ?name=&tag=&user=. ok is false when no name is given.
func specFromQuery(r *http.Request) (spec timeline.Spec, ok bool, err error) {
	q := r.URL.Query()
	name := q.Get("name")
	if name == "" {
		return timeline.Spec{}, false, nil
	}
	spec = timeline.Spec{Kind: timeline.Kind(name), Tag: q.Get("tag")}
	if user := q.Get("user"); user != "" {
		spec.UserID, err = strconv.ParseInt(user, 10, 64)
		if err != nil {
			return spec, true, fmt.Errorf("bad user id %q", user)
		}
	}
	return spec, true, spec.Validate()
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	sess := s.requireSession(w)
	if sess == nil {
		return
	}
	spec, ok, err := specFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	tl := sess.Active()
	if ok {
		if tl, err = sess.Switch(spec); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if tl == nil {
		http.Error(w, "No active timeline", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"timeline":  tl.Name(),
		"state":     tl.State().String(),
		"cacheable": tl.Spec().Cacheable(),
		"notices":   sortedViews(tl.Notices()),
	})
}

func (s *Server) runUpdate(w http.ResponseWriter, r *http.Request, older bool) {
	sess := s.requireSession(w)
	if sess == nil {
		return
	}
	tl := sess.Active()
	if tl == nil {
		http.Error(w, "No active timeline", http.StatusConflict)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	var count int
	var err error
	if older {
		count, err = tl.UpdateOlder(ctx, nil)
	} else {
		count, err = tl.Update(ctx, nil, "")
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("Couldn't update timeline: %v", err), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"timeline": tl.Name(),
		"count":    count,
		"total":    len(tl.Notices()),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.runUpdate(w, r, false)
}

func (s *Server) handleOlder(w http.ResponseWriter, r *http.Request) {
	s.runUpdate(w, r, true)
}

func (s *Server) handleAtom(w http.ResponseWriter, r *http.Request) {
	sess := s.requireSession(w)
	if sess == nil {
		return
	}
	tl := sess.Active()
	if tl == nil {
		http.Error(w, "No active timeline", http.StatusConflict)
		return
	}
	data, err := exportAtom(sess.Account(), tl.Name(), tl.Notices())
	if err != nil {
		http.Error(w, "Failed to export", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/atom+xml")
	w.Write([]byte(data))
}

// --- Notice Handlers ---

func (s *Server) handleNoticeAction(w http.ResponseWriter, r *http.Request) {
	sess := s.requireSession(w)
	if sess == nil {
		return
	}
	id, ok := noticeIDParam(w, r)
	if !ok {
		return
	}

	var err error
	action := chi.URLParam(r, "action")
	switch action {
	case "favorite":
		err = sess.Favorite(r.Context(), id)
	case "unfavorite":
		err = sess.Unfavorite(r.Context(), id)
	case "repeat":
		err = sess.Repeat(r.Context(), id)
	}
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "action": action, "id": id})
}

func (s *Server) handleDeleteNotice(w http.ResponseWriter, r *http.Request) {
	sess := s.requireSession(w)
	if sess == nil {
		return
	}
	id, ok := noticeIDParam(w, r)
	if !ok {
		return
	}
	if err := sess.Delete(r.Context(), id); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "id": id})
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	sess := s.requireSession(w)
	if sess == nil {
		return
	}
	id, ok := noticeIDParam(w, r)
	if !ok {
		return
	}
	text, err := sess.ShareText(id)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

// --- Settings Handlers ---

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PollingInterval int `json:"polling_interval"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	// Enforce minimum.
	if req.PollingInterval < database.MinPollingInterval {
		req.PollingInterval = database.MinPollingInterval
	}
	if err := s.db.SetSetting(model.SettingPollingInterval, strconv.Itoa(req.PollingInterval)); err != nil {
		http.Error(w, "Failed to save", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "polling_interval": req.PollingInterval})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	interval, _ := s.db.GetPollingInterval()
	writeJSON(w, http.StatusOK, map[string]any{
		"polling_interval": interval,
	})
}

func (s *Server) handleSearchHistory(w http.ResponseWriter, r *http.Request) {
	terms, err := s.db.GetSearchHistory()
	if err != nil {
		http.Error(w, "Failed to load search history", http.StatusInternalServerError)
		return
	}
	if terms == nil {
		terms = []string{}
	}
	writeJSON(w, http.StatusOK, terms)
}

func (s *Server) handleAddSearchTerm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Term string `json:"term"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Term == "" {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if err := s.db.AddSearchTerm(req.Term); err != nil {
		http.Error(w, "Failed to save", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

// --- Event Stream ---

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Slow readers drop notifications rather than stall an update.
	ch := make(chan timeline.Notification, 64)
	unsubscribe := s.events.Subscribe(func(n timeline.Notification) {
		select {
		case ch <- n:
		default:
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case n := <-ch:
			data, err := json.Marshal(n)
			if err != nil {
				log.Printf("Error encoding event: %v", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Type, data)
			flusher.Flush()
		}
	}
}
