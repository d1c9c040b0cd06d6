package api

import (
	"net/http"
	"time"

	"github.com/ortsverband/newsletter-dispatch/internal/domain"
	"github.com/ortsverband/newsletter-dispatch/internal/pkg/httputil"
)

// settingsJSON is the wire form of the dispatch settings. Durations travel as
// integer milliseconds so the admin form never deals with nanoseconds.
type settingsJSON struct {
	UseBCC              bool  `json:"use_bcc"`
	ChunkSize           int   `json:"chunk_size"`
	ChunkDelayMS        int64 `json:"chunk_delay_ms"`
	MaxConnections      int   `json:"max_connections"`
	MaxMessages         int   `json:"max_messages"`
	ConnectionTimeoutMS int64 `json:"connection_timeout_ms"`
	GreetingTimeoutMS   int64 `json:"greeting_timeout_ms"`
	SocketTimeoutMS     int64 `json:"socket_timeout_ms"`
	EmailTimeoutMS      int64 `json:"email_timeout_ms"`
	MaxRetries          int   `json:"max_retries"`
	RetryChunkSizes     []int `json:"retry_chunk_sizes"`

	// PoolActive is computed from the sending mode; the admin form greys the
	// pool fields out when it is false. Ignored on write.
	PoolActive bool `json:"pool_active"`
}

func toSettingsJSON(s domain.DispatchSettings) settingsJSON {
	return settingsJSON{
		UseBCC:              s.UseBCC,
		ChunkSize:           s.ChunkSize,
		ChunkDelayMS:        s.ChunkDelay.Milliseconds(),
		MaxConnections:      s.MaxConnections,
		MaxMessages:         s.MaxMessages,
		ConnectionTimeoutMS: s.ConnectionTimeout.Milliseconds(),
		GreetingTimeoutMS:   s.GreetingTimeout.Milliseconds(),
		SocketTimeoutMS:     s.SocketTimeout.Milliseconds(),
		EmailTimeoutMS:      s.EmailTimeout.Milliseconds(),
		MaxRetries:          s.MaxRetries,
		RetryChunkSizes:     s.RetryChunkSizes,
		PoolActive:          s.PoolActive(),
	}
}

func (p settingsJSON) toDomain() domain.DispatchSettings {
	return domain.DispatchSettings{
		UseBCC:            p.UseBCC,
		ChunkSize:         p.ChunkSize,
		ChunkDelay:        time.Duration(p.ChunkDelayMS) * time.Millisecond,
		MaxConnections:    p.MaxConnections,
		MaxMessages:       p.MaxMessages,
		ConnectionTimeout: time.Duration(p.ConnectionTimeoutMS) * time.Millisecond,
		GreetingTimeout:   time.Duration(p.GreetingTimeoutMS) * time.Millisecond,
		SocketTimeout:     time.Duration(p.SocketTimeoutMS) * time.Millisecond,
		EmailTimeout:      time.Duration(p.EmailTimeoutMS) * time.Millisecond,
		MaxRetries:        p.MaxRetries,
		RetryChunkSizes:   p.RetryChunkSizes,
	}
}

func (h *Handlers) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Settings(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, toSettingsJSON(s))
}

func (h *Handlers) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var payload settingsJSON
	if !httputil.Decode(w, r, &payload) {
		return
	}
	if err := h.svc.UpdateSettings(r.Context(), payload.toDomain()); err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.NoContent(w)
}
