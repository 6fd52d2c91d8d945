package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"loyaltyLedgerAPI/services"
)

const webhookTolerance = 5 * time.Minute

// WebhookHandler registers members from Clerk user events.
type WebhookHandler struct {
	members *services.MemberService
	secret  []byte
	now     func() time.Time
	log     *logrus.Entry
}

type clerkWebhookEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type clerkUserData struct {
	ID             string         `json:"id"`
	UnsafeMetadata map[string]any `json:"unsafe_metadata"`
	PublicMetadata map[string]any `json:"public_metadata"`
}

// NewWebhookHandler takes the Clerk signing secret in its "whsec_" form. An
// empty secret disables signature checks, which is only acceptable outside
// production.
func NewWebhookHandler(members *services.MemberService, secret string, log *logrus.Entry) (*WebhookHandler, error) {
	h := &WebhookHandler{members: members, now: time.Now, log: log.WithField("handler", "webhook")}
	if secret != "" {
		key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, "whsec_"))
		if err != nil {
			return nil, fmt.Errorf("malformed webhook secret: %w", err)
		}
		h.secret = key
	}
	return h, nil
}

func (h *WebhookHandler) HandleClerkWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Error reading body")
		return
	}
	if err := h.verify(r.Header, body); err != nil {
		h.log.WithError(err).Warn("invalid webhook signature")
		respondWithError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	var event clerkWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		respondWithError(w, http.StatusBadRequest, "Error parsing webhook")
		return
	}

	switch event.Type {
	case "user.created":
		var user clerkUserData
		if err := json.Unmarshal(event.Data, &user); err != nil {
			respondWithError(w, http.StatusBadRequest, "Error parsing user data")
			return
		}
		m, created, err := h.members.Register(r.Context(), user.ID, user.referralCode())
		if err != nil {
			respondWithDomainError(w, h.log, err)
			return
		}
		h.log.WithFields(logrus.Fields{"member_id": m.ID, "created": created}).Info("clerk user.created handled")
	default:
		h.log.WithField("type", event.Type).Debug("unhandled webhook event type")
	}

	respondWithJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (u clerkUserData) referralCode() string {
	for _, md := range []map[string]any{u.PublicMetadata, u.UnsafeMetadata} {
		if code, ok := md["referral_code"].(string); ok && code != "" {
			return code
		}
	}
	return ""
}

// verify checks the svix signature headers Clerk sends: an HMAC-SHA256 over
// "id.timestamp.body", base64 encoded, with one or more "v1," entries.
func (h *WebhookHandler) verify(header http.Header, body []byte) error {
	if h.secret == nil {
		return nil
	}
	id := header.Get("svix-id")
	ts := header.Get("svix-timestamp")
	sigs := header.Get("svix-signature")
	if id == "" || ts == "" || sigs == "" {
		return fmt.Errorf("missing signature headers")
	}

	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed timestamp %q", ts)
	}
	if d := h.now().Sub(time.Unix(sec, 0)); d > webhookTolerance || d < -webhookTolerance {
		return fmt.Errorf("timestamp outside tolerance")
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(id + "." + ts + "."))
	mac.Write(body)
	expected := mac.Sum(nil)

	for _, entry := range strings.Fields(sigs) {
		version, sig, found := strings.Cut(entry, ",")
		if !found || version != "v1" {
			continue
		}
		got, err := base64.StdEncoding.DecodeString(sig)
		if err == nil && hmac.Equal(expected, got) {
			return nil
		}
	}
	return fmt.Errorf("no matching signature")
}
