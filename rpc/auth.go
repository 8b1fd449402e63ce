package rpc

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/docmesh/ds"
)

// TokenTTL is the lifetime of a session token.
const TokenTTL = time.Hour

// challengeTTL bounds how long an issued nonce stays redeemable.
const challengeTTL = 2 * time.Minute

type challenge struct {
	did    ds.DID
	issued time.Time
}

// handleChallenge issues a login nonce for a DID.
// The caller proves key possession by signing it in the verify step.
func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DID string `json:"did"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondErr(w, ds.WrapError(ds.KindUnauthenticated, err, "decoding challenge request"))
		return
	}
	did := ds.DID(req.DID)
	if _, err := did.PublicKey(); err != nil {
		s.respondErr(w, err)
		return
	}

	nonce := uuid.NewString()
	s.challenges.Add(nonce, challenge{did: did, issued: time.Now()})
	s.respond(w, http.StatusOK, map[string]string{"nonce": nonce})
}

// handleVerify redeems a signed nonce for a session token.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DID       string `json:"did"`
		Nonce     string `json:"nonce"`
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondErr(w, ds.WrapError(ds.KindUnauthenticated, err, "decoding verify request"))
		return
	}

	got, ok := s.challenges.Get(req.Nonce)
	if !ok {
		s.respondErr(w, ds.NewError(ds.KindUnauthenticated, "unknown nonce"))
		return
	}
	s.challenges.Remove(req.Nonce)

	ch := got.(challenge)
	if ch.did != ds.DID(req.DID) || time.Since(ch.issued) > challengeTTL {
		s.respondErr(w, ds.NewError(ds.KindUnauthenticated, "stale nonce"))
		return
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		s.respondErr(w, ds.WrapError(ds.KindUnauthenticated, err, "decoding signature"))
		return
	}
	if err = ch.did.Verify([]byte(req.Nonce), sig); err != nil {
		s.respondErr(w, ds.WrapError(ds.KindUnauthenticated, err, "verifying nonce signature"))
		return
	}

	token, err := s.issueToken(ch.did)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	s.logger.Info().Str("did", string(ch.did)).Msg("session opened")
	s.respond(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) issueToken(did ds.DID) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": string(did),
		"iat": now.Unix(),
		"exp": now.Add(TokenTTL).Unix(),
	})
	signed, err := tok.SignedString(s.secret)
	return signed, errors.Wrap(err, "signing session token")
}

// authenticate resolves the caller's DID from the bearer token.
func (s *Server) authenticate(r *http.Request) (ds.DID, error) {
	const prefix = "Bearer "

	hdr := r.Header.Get("Authorization")
	if len(hdr) <= len(prefix) || hdr[:len(prefix)] != prefix {
		return "", ds.NewError(ds.KindUnauthenticated, "missing bearer token")
	}

	tok, err := jwt.Parse(hdr[len(prefix):], func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", ds.WrapError(ds.KindUnauthenticated, err, "parsing session token")
	}
	if !tok.Valid {
		return "", ds.NewError(ds.KindUnauthenticated, "invalid session token")
	}
	sub, err := tok.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", ds.NewError(ds.KindUnauthenticated, "token has no subject")
	}
	return ds.DID(sub), nil
}
