package webhooks

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const testSecret = "whsec_test_secret"

func TestVerifySignatureValid(t *testing.T) {
	now := time.Now()
	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed"}`)
	header := SignPayload(payload, testSecret, now)

	err := VerifySignature(payload, header, testSecret, 5*time.Minute, now)
	assert.NoError(t, err)
}

func TestVerifySignatureWrongSecret(t *testing.T) {
	now := time.Now()
	payload := []byte(`{"id":"evt_1"}`)
	header := SignPayload(payload, "whsec_other", now)

	err := VerifySignature(payload, header, testSecret, 5*time.Minute, now)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifySignatureTamperedPayload(t *testing.T) {
	now := time.Now()
	header := SignPayload([]byte(`{"amount":100}`), testSecret, now)

	err := VerifySignature([]byte(`{"amount":10000}`), header, testSecret, 5*time.Minute, now)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifySignatureExpiredTimestamp(t *testing.T) {
	now := time.Now()
	payload := []byte(`{"id":"evt_1"}`)
	header := SignPayload(payload, testSecret, now.Add(-10*time.Minute))

	err := VerifySignature(payload, header, testSecret, 5*time.Minute, now)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifySignatureFutureTimestamp(t *testing.T) {
	now := time.Now()
	payload := []byte(`{"id":"evt_1"}`)
	header := SignPayload(payload, testSecret, now.Add(10*time.Minute))

	err := VerifySignature(payload, header, testSecret, 5*time.Minute, now)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifySignatureMalformedHeader(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	now := time.Now()

	for _, header := range []string{
		"",
		"garbage",
		"t=notanumber,v1=abc",
		"v1=deadbeef",
		fmt.Sprintf("t=%d", now.Unix()),
		fmt.Sprintf("t=%d,v1=nothex", now.Unix()),
	} {
		err := VerifySignature(payload, header, testSecret, 5*time.Minute, now)
		assert.ErrorIs(t, err, ErrInvalidSignature, "header %q", header)
	}
}

func TestVerifySignatureMultipleV1(t *testing.T) {
	now := time.Now()
	payload := []byte(`{"id":"evt_1"}`)

	// A rotated-secret header carries two v1 entries; one valid match is
	// enough.
	valid := SignPayload(payload, testSecret, now)
	stale := SignPayload(payload, "whsec_rotated_out", now)
	staleSig := strings.SplitN(stale, ",v1=", 2)[1]
	header := valid + ",v1=" + staleSig

	err := VerifySignature(payload, header, testSecret, 5*time.Minute, now)
	assert.NoError(t, err)
}
