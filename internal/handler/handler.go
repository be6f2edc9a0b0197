package handler

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/directory"
	"qrattend/internal/presence"
	"qrattend/internal/qrpayload"
	"qrattend/internal/session"
)

// Options tune the HTTP layer.
type Options struct {
	ScanBaseURL    string
	RotateInterval time.Duration
	StoreTimeout   time.Duration
	// Scheme is the directory's reference scheme. A bearer subject only
	// stands in for a missing external_ref under SchemeSubject.
	Scheme directory.Scheme
}

type Handler struct {
	sessions *session.Service
	recorder *attendance.Recorder
	dir      directory.Directory
	presence presence.Counter // nil when presence tracking is off
	opts     Options
}

func New(sessions *session.Service, recorder *attendance.Recorder, dir directory.Directory, counter presence.Counter, opts Options) *Handler {
	if opts.RotateInterval <= 0 {
		opts.RotateInterval = 20 * time.Second
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 3 * time.Second
	}
	return &Handler{sessions: sessions, recorder: recorder, dir: dir, presence: counter, opts: opts}
}

func (h *Handler) storeCtx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.opts.StoreTimeout)
}

// ---------- Sessions ----------

type createSessionRequest struct {
	ClassLabel   string `json:"class_label" binding:"required"`
	SubjectLabel string `json:"subject_label" binding:"required"`
	TTLMinutes   *int   `json:"ttl_minutes"`
}

type qrView struct {
	SessionID string    `json:"session_id"`
	QRPayload string    `json:"qr_payload"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) view(tok session.Token) qrView {
	return qrView{
		SessionID: tok.SessionID,
		QRPayload: qrpayload.EncodeURL(h.opts.ScanBaseURL, tok.Value, tok.SessionID),
		Token:     tok.Value,
		ExpiresAt: tok.ExpiresAt,
	}
}

// CreateSession opens a session and returns its first QR payload.
func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var ttl time.Duration
	if req.TTLMinutes != nil {
		if *req.TTLMinutes <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ttl_minutes must be positive"})
			return
		}
		// Compare in minutes so huge values cannot overflow the multiply.
		if *req.TTLMinutes > int(session.MaxTokenTTL/time.Minute) {
			ttl = session.MaxTokenTTL
		} else {
			ttl = time.Duration(*req.TTLMinutes) * time.Minute
		}
	}

	ctx, cancel := h.storeCtx(c)
	defer cancel()
	sess, tok, err := h.sessions.CreateSession(ctx, req.ClassLabel, req.SubjectLabel, ttl)
	if errors.Is(err, session.ErrLabelsRequired) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		log.Printf("create session failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create session"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session_id": sess.ID,
		"qr_payload": qrpayload.EncodeURL(h.opts.ScanBaseURL, tok.Value, sess.ID),
		"token":      tok.Value,
		"expires_at": tok.ExpiresAt,
		"closes_at":  sess.ClosesAt,
	})
}

func (h *Handler) GetSession(c *gin.Context) {
	ctx, cancel := h.storeCtx(c)
	defer cancel()
	sess, err := h.sessions.Get(ctx, c.Param("id"))
	if err != nil {
		h.sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess, "closed": h.sessions.Closed(sess)})
}

// CurrentQR returns the payload to display, rotating when the active token
// has lapsed.
func (h *Handler) CurrentQR(c *gin.Context) {
	ctx, cancel := h.storeCtx(c)
	defer cancel()
	_, tok, err := h.sessions.Current(ctx, c.Param("id"))
	if err != nil {
		h.sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(tok))
}

func (h *Handler) Rotate(c *gin.Context) {
	ctx, cancel := h.storeCtx(c)
	defer cancel()
	tok, err := h.sessions.Rotate(ctx, c.Param("id"))
	if err != nil {
		h.sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(tok))
}

// StreamQR pushes a fresh payload as a server-sent event every rotate
// interval until the client disconnects or the session closes.
func (h *Handler) StreamQR(c *gin.Context) {
	id := c.Param("id")
	ctx, cancel := h.storeCtx(c)
	_, _, err := h.sessions.Current(ctx, id)
	cancel()
	if err != nil {
		h.sessionError(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	err = h.sessions.Stream(c.Request.Context(), id, h.opts.RotateInterval, func(tok session.Token) error {
		c.SSEvent("token", h.view(tok))
		c.Writer.Flush()
		return nil
	})
	if errors.Is(err, session.ErrSessionClosed) {
		c.SSEvent("closed", gin.H{"session_id": id})
		c.Writer.Flush()
		return
	}
	if err != nil {
		log.Printf("qr stream for session %s stopped: %v", id, err)
	}
}

func (h *Handler) EndSession(c *gin.Context) {
	ctx, cancel := h.storeCtx(c)
	defer cancel()
	if err := h.sessions.EndSession(ctx, c.Param("id")); err != nil {
		h.sessionError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SessionAttendance lists a session's records, newest first.
func (h *Handler) SessionAttendance(c *gin.Context) {
	id := c.Param("id")
	ctx, cancel := h.storeCtx(c)
	defer cancel()
	if _, err := h.sessions.Get(ctx, id); err != nil {
		h.sessionError(c, err)
		return
	}
	limit, offset := pageParams(c)
	records, err := h.recorder.ListBySession(c.Request.Context(), id, limit, offset)
	if err != nil {
		log.Printf("list attendance for session %s failed: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list attendance"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "records": records})
}

type manualMarkRequest struct {
	ExternalRef string `json:"external_ref" binding:"required"`
}

// MarkManual records an attendee against a session without a token.
func (h *Handler) MarkManual(c *gin.Context) {
	var req manualMarkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ref := strings.TrimSpace(req.ExternalRef)
	if ref == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "external_ref required"})
		return
	}
	res, err := h.recorder.MarkManual(c.Request.Context(), c.Param("id"), ref)
	if err != nil {
		log.Printf("manual mark for session %s failed: %v", c.Param("id"), err)
	}
	h.writeOutcome(c, res)
}

// ClassAttendance lists the sessions of a class and their records.
func (h *Handler) ClassAttendance(c *gin.Context) {
	label := c.Param("label")
	ctx, cancel := h.storeCtx(c)
	defer cancel()
	sessions, err := h.sessions.ListByClass(ctx, label)
	if err != nil {
		log.Printf("list sessions for class %s failed: %v", label, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list sessions"})
		return
	}
	ids := make([]string, len(sessions))
	for i, sess := range sessions {
		ids[i] = sess.ID
	}
	limit, offset := pageParams(c)
	records, err := h.recorder.ListBySessions(c.Request.Context(), ids, limit, offset)
	if err != nil {
		log.Printf("list attendance for class %s failed: %v", label, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list attendance"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"class_label": label, "sessions": sessions, "records": records})
}

// Presence reports the live headcount kept by the presence tracker.
func (h *Handler) Presence(c *gin.Context) {
	if h.presence == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence tracking not enabled"})
		return
	}
	id := c.Param("id")
	ctx, cancel := h.storeCtx(c)
	defer cancel()
	if _, err := h.sessions.Get(ctx, id); err != nil {
		h.sessionError(c, err)
		return
	}
	n, err := h.presence.Get(ctx, id)
	if err != nil {
		log.Printf("presence lookup for session %s failed: %v", id, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "present": n})
}

func (h *Handler) sessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, session.ErrSessionClosed):
		c.JSON(http.StatusGone, gin.H{"error": "session closed"})
	default:
		log.Printf("session %s: %v", c.Param("id"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session store unavailable"})
	}
}

// ---------- Attendance ----------

type markRequest struct {
	Token       string `json:"token"`
	Payload     string `json:"payload"`
	ExternalRef string `json:"external_ref"`
	Method      string `json:"method"`
}

// Mark records a scan. The token comes either as a bare value or inside a
// scanned QR payload; a bearer subject stands in for a missing external_ref.
func (h *Handler) Mark(c *gin.Context) {
	var req markRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mr := attendance.MarkRequest{
		Token:       strings.TrimSpace(req.Token),
		ExternalRef: strings.TrimSpace(req.ExternalRef),
		Method:      attendance.Method(req.Method),
	}
	if req.Payload != "" {
		tok, sessionID, err := qrpayload.Decode(req.Payload)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if mr.Token != "" && mr.Token != tok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "token does not match payload"})
			return
		}
		mr.Token, mr.SessionID = tok, sessionID
	}
	h.mark(c, mr)
}

// Scan is the GET variant opened straight from a QR scan URL.
func (h *Handler) Scan(c *gin.Context) {
	tok, sessionID, err := qrpayload.Decode(c.Request.URL.RawQuery)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.mark(c, attendance.MarkRequest{
		Token:       tok,
		SessionID:   sessionID,
		ExternalRef: strings.TrimSpace(c.Query("ref")),
		Method:      attendance.MethodQR,
	})
}

func (h *Handler) mark(c *gin.Context, req attendance.MarkRequest) {
	if req.ExternalRef == "" && h.opts.Scheme == directory.SchemeSubject {
		req.ExternalRef = auth.SubjectFrom(c)
	}
	if req.Token == "" || req.ExternalRef == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token and external_ref required"})
		return
	}

	res, err := h.recorder.Mark(c.Request.Context(), req)
	if errors.Is(err, attendance.ErrInvalidMethod) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		log.Printf("mark attendance failed: %v", err)
	}
	h.writeOutcome(c, res)
}

func (h *Handler) writeOutcome(c *gin.Context, res attendance.Result) {
	body := gin.H{"outcome": res.Outcome, "present": res.Outcome.Present()}
	if res.Outcome.Present() {
		body["record"] = res.Record
		body["marked_at"] = res.Record.MarkedAt
	}
	c.JSON(outcomeStatus(res.Outcome), body)
}

func outcomeStatus(o attendance.Outcome) int {
	switch o {
	case attendance.Marked:
		return http.StatusCreated
	case attendance.AlreadyMarked:
		return http.StatusOK
	case attendance.InvalidToken, attendance.UnknownAttendee, attendance.UnknownSession:
		return http.StatusNotFound
	case attendance.ExpiredToken, attendance.SessionClosed:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// ---------- Attendees ----------

func (h *Handler) ListAttendees(c *gin.Context) {
	ctx, cancel := h.storeCtx(c)
	defer cancel()
	attendees, err := h.dir.List(ctx)
	if err != nil {
		log.Printf("list attendees failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list attendees"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"attendees": attendees})
}

// AttendeeReport lists every record of one attendee, newest first.
func (h *Handler) AttendeeReport(c *gin.Context) {
	ctx, cancel := h.storeCtx(c)
	defer cancel()
	a, err := h.dir.Get(ctx, c.Param("ref"))
	if errors.Is(err, directory.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "attendee not found"})
		return
	}
	if err != nil {
		log.Printf("attendee lookup failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "directory unavailable"})
		return
	}
	limit, offset := pageParams(c)
	records, err := h.recorder.ListByAttendee(c.Request.Context(), a.ID, limit, offset)
	if err != nil {
		log.Printf("list attendance for attendee %s failed: %v", a.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list attendance"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"attendee": a, "records": records})
}

func pageParams(c *gin.Context) (int, int) {
	limit, offset := 50, 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}
	return limit, offset
}
