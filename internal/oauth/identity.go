// identity.go -- Identifiers: OIDC id_token verification (Google, Apple) and
// userinfo lookups (Facebook Graph, X v2).
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// IDTokenIdentifier verifies the id_token returned alongside the access token.
// Signature, issuer, audience and expiry are checked by go-oidc.
type IDTokenIdentifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewIDTokenIdentifier builds a verifier from a fixed issuer and JWKS URL, so startup
// does not depend on a discovery round-trip. Keys are fetched lazily and cached.
func NewIDTokenIdentifier(ctx context.Context, issuer, jwksURL, clientID string) *IDTokenIdentifier {
	keySet := oidc.NewRemoteKeySet(ctx, jwksURL)
	return NewIDTokenIdentifierWithKeySet(issuer, clientID, keySet)
}

// NewIDTokenIdentifierWithKeySet is NewIDTokenIdentifier with a caller-supplied key set.
func NewIDTokenIdentifierWithKeySet(issuer, clientID string, keySet oidc.KeySet) *IDTokenIdentifier {
	return &IDTokenIdentifier{
		verifier: oidc.NewVerifier(issuer, keySet, &oidc.Config{ClientID: clientID}),
	}
}

// flexBool decodes both true and "true". Apple sends email_verified as a string.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case bool:
		*b = flexBool(t)
	case string:
		parsed, err := strconv.ParseBool(t)
		if err != nil {
			return fmt.Errorf("parsing bool %q: %w", t, err)
		}
		*b = flexBool(parsed)
	case nil:
		*b = false
	default:
		return fmt.Errorf("unexpected bool type %T", v)
	}
	return nil
}

// Identify verifies token's id_token and extracts claims.
func (i *IDTokenIdentifier) Identify(ctx context.Context, _ *oauth2.Config, token *oauth2.Token) (*Claims, error) {
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, errors.New("no id_token in token response")
	}

	idToken, err := i.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verifying id token: %w", err)
	}

	var c struct {
		Sub           string   `json:"sub"`
		Email         string   `json:"email"`
		EmailVerified flexBool `json:"email_verified"`
		Name          string   `json:"name"`
		Picture       string   `json:"picture"`
	}
	if err := idToken.Claims(&c); err != nil {
		return nil, fmt.Errorf("extracting id token claims: %w", err)
	}

	return &Claims{
		Sub:           c.Sub,
		Email:         c.Email,
		EmailVerified: bool(c.EmailVerified),
		Name:          c.Name,
		Picture:       c.Picture,
	}, nil
}

// getJSON performs an authenticated GET and decodes the JSON body into out.
// The body of a non-200 response is discarded, never surfaced.
func getJSON(ctx context.Context, cfg *oauth2.Config, token *oauth2.Token, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := cfg.Client(ctx, token).Do(req)
	if err != nil {
		return fmt.Errorf("fetching user: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return fmt.Errorf("userinfo returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("decoding user: %w", err)
	}
	return nil
}

// FacebookIdentifier reads /me from the Graph API.
// Graph only returns confirmed emails, so a present email counts as verified.
func FacebookIdentifier(meURL string) Identifier {
	return IdentifierFunc(func(ctx context.Context, cfg *oauth2.Config, token *oauth2.Token) (*Claims, error) {
		var u struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			Email   string `json:"email"`
			Picture struct {
				Data struct {
					URL string `json:"url"`
				} `json:"data"`
			} `json:"picture"`
		}
		if err := getJSON(ctx, cfg, token, meURL, &u); err != nil {
			return nil, err
		}
		return &Claims{
			Sub:           u.ID,
			Email:         u.Email,
			EmailVerified: u.Email != "",
			Name:          u.Name,
			Picture:       u.Picture.Data.URL,
		}, nil
	})
}

// XIdentifier reads /2/users/me. X does not expose email under these scopes.
func XIdentifier(meURL string) Identifier {
	return IdentifierFunc(func(ctx context.Context, cfg *oauth2.Config, token *oauth2.Token) (*Claims, error) {
		var body struct {
			Data struct {
				ID              string `json:"id"`
				Name            string `json:"name"`
				Username        string `json:"username"`
				ProfileImageURL string `json:"profile_image_url"`
			} `json:"data"`
		}
		if err := getJSON(ctx, cfg, token, meURL, &body); err != nil {
			return nil, err
		}
		name := body.Data.Name
		if name == "" {
			name = body.Data.Username
		}
		return &Claims{
			Sub:     body.Data.ID,
			Name:    name,
			Picture: body.Data.ProfileImageURL,
		}, nil
	})
}
