package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"tustore/backend/internal/domain"
	"tustore/backend/internal/store"
)

const (
	signatureHeader    = "Gateway-Signature"
	signatureTolerance = 5 * time.Minute
)

var (
	errMissingSignature = errors.New("missing gateway signature")
	errBadSignature     = errors.New("gateway signature mismatch")
	errStaleSignature   = errors.New("gateway signature timestamp outside tolerance")
)

// handleGatewayWebhook records a card sale reported by the payment gateway.
// The route is authenticated by the signature alone; replays of an event id
// acknowledge the sale recorded the first time.
func (a *API) handleGatewayWebhook(w http.ResponseWriter, r *http.Request) {
	if len(a.webhookSecret) == 0 {
		a.writeError(w, r, http.StatusServiceUnavailable, errors.New("gateway webhook not configured"))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		a.writeError(w, r, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}
	if err := verifySignature(a.webhookSecret, r.Header.Get(signatureHeader), body, a.now()); err != nil {
		a.logger.Warn("gateway webhook rejected",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.Error(err),
		)
		a.writeError(w, r, http.StatusUnauthorized, err)
		return
	}

	var event domain.GatewayEvent
	if err := json.Unmarshal(body, &event); err != nil {
		a.writeError(w, r, http.StatusBadRequest, fmt.Errorf("%w: %v", store.ErrInvalidInput, err))
		return
	}

	ack, err := a.service.CreateGatewaySale(r.Context(), event)
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

// signPayload returns the v1 signature of body at unix time ts.
func signPayload(secret []byte, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifySignature checks a header of the form "t=<unix>,v1=<hex>[,v1=<hex>]".
// Any v1 entry may match, which lets the gateway rotate secrets.
func verifySignature(secret []byte, header string, body []byte, now time.Time) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return errMissingSignature
	}

	var (
		ts         int64
		haveTS     bool
		signatures []string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return errMissingSignature
			}
			ts, haveTS = parsed, true
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if !haveTS || len(signatures) == 0 {
		return errMissingSignature
	}

	age := now.Sub(time.Unix(ts, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return errStaleSignature
	}

	expected := []byte(signPayload(secret, ts, body))
	for _, sig := range signatures {
		if hmac.Equal(expected, []byte(strings.ToLower(sig))) {
			return nil
		}
	}
	return errBadSignature
}
