package auth

import (
	"fmt"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/gluk-w/claworc/shell-relay/internal/relayerr"
)

// ResumeSigner issues and checks resume tokens: fernet tokens whose payload
// is a session id. A client holding one may reattach to that session until
// the token expires, even from a connection with a different principal.
type ResumeSigner struct {
	key *fernet.Key
	ttl time.Duration
}

// NewResumeSigner uses the encoded fernet key, or a fresh random key when
// encodedKey is empty. A random key means tokens do not survive a restart,
// which matches sessions not surviving one either.
func NewResumeSigner(encodedKey string, ttl time.Duration) (*ResumeSigner, error) {
	var key *fernet.Key
	if encodedKey == "" {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate resume key: %w", err)
		}
		key = &k
	} else {
		k, err := fernet.DecodeKey(encodedKey)
		if err != nil {
			return nil, fmt.Errorf("decode resume key: %w", err)
		}
		key = k
	}
	return &ResumeSigner{key: key, ttl: ttl}, nil
}

// Sign returns a resume token for sessionID.
func (s *ResumeSigner) Sign(sessionID string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(sessionID), s.key)
	if err != nil {
		return "", fmt.Errorf("sign resume token: %w", err)
	}
	return string(tok), nil
}

// Verify checks that token is a live resume token for sessionID.
func (s *ResumeSigner) Verify(token, sessionID string) error {
	if token == "" {
		return &relayerr.AuthError{Reason: "missing resume token"}
	}
	msg := fernet.VerifyAndDecrypt([]byte(token), s.ttl, []*fernet.Key{s.key})
	if msg == nil {
		return &relayerr.AuthError{Reason: "invalid or expired resume token"}
	}
	if string(msg) != sessionID {
		return &relayerr.AuthError{Reason: "resume token is for another session"}
	}
	return nil
}
