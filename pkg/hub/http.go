package hub

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// maxPublishBody caps the body accepted by PublishHandler.
const maxPublishBody = 1 << 20

// Authenticator resolves the user of an upgrade request.
type Authenticator func(r *http.Request) (userID int, ok bool)

// BearerTokens authenticates "Authorization: Bearer <token>" against a static token table.
func BearerTokens(tokens map[string]int) Authenticator {
	return func(r *http.Request) (int, bool) {
		token, ok := bearerToken(r)
		if !ok {
			return 0, false
		}
		userID, ok := tokens[token]
		return userID, ok
	}
}

// PublishTokens authenticates publishers by bearer token. The returned user id is always 0.
func PublishTokens(tokens []string) Authenticator {
	allowed := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		allowed[strings.TrimSpace(t)] = struct{}{}
	}
	return func(r *http.Request) (int, bool) {
		token, ok := bearerToken(r)
		if !ok {
			return 0, false
		}
		_, ok = allowed[token]
		return 0, ok
	}
}

func bearerToken(r *http.Request) (string, bool) {
	token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	token = strings.TrimSpace(token)
	if !found || token == "" {
		return "", false
	}
	return token, true
}

// Handler upgrades authenticated requests and registers the resulting connections.
func (h *Hub) Handler(auth Authenticator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := 0, true
		if auth != nil {
			userID, ok = auth(r)
		}
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the error response
			h.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("ws upgrade failed")
			return
		}
		if _, err := h.Register(conn, userID); err != nil {
			h.logger.Warn().Err(err).Msg("ws register failed")
			_ = conn.Close()
		}
	})
}

// PublishHandler accepts POSTed JSON from requests auth accepts and broadcasts it. The optional
// "user" query parameter limits delivery to one user. A nil auth accepts every request.
func (h *Hub) PublishHandler(auth Authenticator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if auth != nil {
			if _, ok := auth(r); !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		userID := 0
		if raw := r.URL.Query().Get("user"); raw != "" {
			id, err := strconv.Atoi(raw)
			if err != nil {
				http.Error(w, "invalid user id", http.StatusBadRequest)
				return
			}
			userID = id
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxPublishBody+1))
		if err != nil {
			http.Error(w, "could not read body", http.StatusBadRequest)
			return
		}
		if len(body) > maxPublishBody {
			http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
			return
		}
		if !json.Valid(body) {
			http.Error(w, "body must be valid JSON", http.StatusBadRequest)
			return
		}
		if err := h.Broadcast(r.Context(), userID, body); err != nil {
			h.logger.Error().Err(err).Int("user_id", userID).Msg("broadcast failed")
			http.Error(w, "broadcast failed", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

// isPing accepts both a bare "ping" and a {"type":"ping"} envelope.
func isPing(data []byte) bool {
	text := strings.TrimSpace(strings.ToLower(string(data)))
	if text == "ping" {
		return true
	}
	var v struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return false
	}
	return strings.EqualFold(v.Type, "ping")
}
