// Package identity provides anonymous per-device subject identity.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	SubjectCookieName = "recall_subject_id"
	TabHeaderName     = "X-Recall-Tab-ID"
	DefaultTabID      = "default"
	subjectCookieAge  = 365 * 24 * time.Hour
)

type contextKey int

const (
	subjectIDKey contextKey = iota
	tabIDKey
)

var (
	subjectIDPattern = regexp.MustCompile(`^subj_[a-f0-9]{32}$`)
	tabIDPattern     = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// SubjectIDFromContext extracts the subject ID from the request context.
func SubjectIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(subjectIDKey).(string); ok {
		return v
	}
	return ""
}

// TabIDFromContext extracts the browser tab ID from the request context.
func TabIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tabIDKey).(string); ok {
		return v
	}
	return DefaultTabID
}

// WithSubjectID returns a context carrying subjectID.
func WithSubjectID(ctx context.Context, subjectID string) context.Context {
	return context.WithValue(ctx, subjectIDKey, subjectID)
}

func generateSubjectID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate subject id: %w", err)
	}
	return "subj_" + hex.EncodeToString(buf), nil
}

// IsValidSubjectID reports whether id has the subject id format.
func IsValidSubjectID(id string) bool {
	return subjectIDPattern.MatchString(id)
}

func sanitizeTabID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !tabIDPattern.MatchString(id) {
		return DefaultTabID
	}
	return id
}

func setSubjectCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SubjectCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(subjectCookieAge.Seconds()),
		Expires:  time.Now().Add(subjectCookieAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateSubjectID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(SubjectCookieName); err == nil && IsValidSubjectID(c.Value) {
		setSubjectCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateSubjectID()
	if err != nil {
		return "", err
	}
	setSubjectCookie(w, id, isDev)
	return id, nil
}

func tabIDFromRequest(r *http.Request) string {
	tid := r.Header.Get(TabHeaderName)
	if tid == "" {
		tid = r.URL.Query().Get("tab_id")
	}
	return sanitizeTabID(tid)
}

// Middleware assigns every device a stable subject ID and tags the request
// with its tab ID.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subjectID, err := getOrCreateSubjectID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish subject identity"}`, http.StatusInternalServerError)
				return
			}

			ctx := WithSubjectID(r.Context(), subjectID)
			ctx = context.WithValue(ctx, tabIDKey, tabIDFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
