// Package ebo implements the direct-connection adapter for Schneider
// Electric EcoStruxure Building Operation (EBO) servers, reverse
// engineered from the WebStation login flow. Grounded directly on
// ebo_api.py: SxWDigest challenge-response login (SHA-256 digest plus
// RSA-OAEP + AES-128-CBC password encryption over HTTPS) followed by a
// live-value subscription that is created once and polled by handle.
// EBO has no history or alarm API reachable from WebStation, so
// ReadHistory and GetAlarms are not supported.
package ebo

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/heatfetch/heatfetch/internal/bms"
)

const (
	loginTimeout = 30 * time.Second
	readTimeout  = 60 * time.Second
	loginPath    = "webstation/vp/Login"
)

var csrfPattern = regexp.MustCompile(`id="csrf"[^>]*value="([^"]+)"`)

// rsaJWK is the JSON Web Key shape EBO returns for the login RSA
// public key.
type rsaJWK struct {
	N string `json:"n"`
	E string `json:"e"`
}

type loginSettingsResponse struct {
	LoginSettings struct {
		PublicKey *rsaJWK `json:"publicKey"`
	} `json:"LoginSettings"`
	PublicKey *rsaJWK `json:"publicKey"`
}

// Error is an EBO login error, carrying the numeric error code EBO
// reports (see ERROR_CODES in ebo_api.py) when known.
type Error struct {
	Message string
	Code    int
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("ebo: %s (code %d)", e.Message, e.Code)
	}
	return fmt.Sprintf("ebo: %s", e.Message)
}

// Adapter is an EBO WebStation client for one building.
type Adapter struct {
	baseURL  string
	username string
	password string
	domain   string

	httpClient *http.Client

	mu               sync.Mutex
	csrfToken        string
	sessionToken     string
	subscriptionMu   sync.Mutex
	subscriptionHandle string
	subscriptionIdx  map[string]int // property path -> subscription index
}

// New constructs an EBO adapter. domain may be empty for servers with
// no domain configured.
func New(baseURL, username, password, domain string) *Adapter {
	return &Adapter{
		baseURL:    baseURL,
		username:   username,
		password:   password,
		domain:     domain,
		httpClient: &http.Client{},
	}
}

func (a *Adapter) loggedIn() bool {
	return a.sessionToken != ""
}

// Authenticate runs the full SxWDigest login if there is no current
// session token. EBO session tokens do not carry a published expiry;
// a 401 response to a command clears the session token (postCommand),
// so the caller's next Authenticate call logs in again.
func (a *Adapter) Authenticate(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.authenticateLocked(ctx)
}

func (a *Adapter) authenticateLocked(ctx context.Context) error {
	if a.loggedIn() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	if err := a.fetchCSRFToken(ctx); err != nil {
		return fmt.Errorf("fetch csrf token: %w", err)
	}

	challenge, err := a.getChallenge(ctx)
	if err != nil {
		return fmt.Errorf("get challenge: %w", err)
	}

	pubKey, err := a.getLoginSettings(ctx)
	if err != nil {
		return fmt.Errorf("get login settings: %w", err)
	}

	token, err := a.authorize(ctx, challenge, pubKey)
	if err != nil {
		return fmt.Errorf("authorize: %w", err)
	}

	a.sessionToken = token
	return nil
}

func (a *Adapter) fetchCSRFToken(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL, nil)
	if err != nil {
		return err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	match := csrfPattern.FindSubmatch(body)
	if match == nil {
		return &Error{Message: "could not find CSRF token in HTML page"}
	}
	a.csrfToken = string(match[1])
	return nil
}

type challengeResponse struct {
	Challenge string `json:"challenge"`
}

func (a *Adapter) getChallenge(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/vp/Challenge", bytes.NewReader(nil))
	if err != nil {
		return "", err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var cr challengeResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", err
	}
	if cr.Challenge == "" {
		return "", &Error{Message: "no challenge in response"}
	}
	return cr.Challenge, nil
}

func (a *Adapter) getLoginSettings(ctx context.Context) (*rsaJWK, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/webstation/LoginSettings", bytes.NewReader(nil))
	if err != nil {
		return nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var lr loginSettingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, err
	}
	if lr.LoginSettings.PublicKey != nil {
		return lr.LoginSettings.PublicKey, nil
	}
	return lr.PublicKey, nil
}

type loginResultResponse struct {
	Token     string `json:"token"`
	ErrMsg    string `json:"ErrMsg"`
	ErrorCode string `json:"ErrorCode"`
	Status    string `json:"Status"`
}

func (a *Adapter) authorize(ctx context.Context, challenge string, pubKey *rsaJWK) (string, error) {
	digestPath := "/" + loginPath
	digestInput := a.username + a.domain + a.password + digestPath + challenge
	digest := fmt.Sprintf("%x", sha256.Sum256([]byte(digestInput)))

	params := fmt.Sprintf("UID=%s,DOM=%s,NV=%s,DIG=%s",
		urlEncode(a.username), urlEncode(a.domain), challenge, digest)

	if pubKey != nil && a.password != "" {
		encrypted, err := encryptPassword(a.password, pubKey)
		if err == nil {
			params += "," + encrypted
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/"+loginPath, bytes.NewReader(nil))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "SxWDigest "+params)
	req.Header.Set("X-CSRF-Token", a.csrfToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var lr loginResultResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", err
	}

	if lr.Status == "false" || (lr.ErrorCode != "" && lr.ErrorCode != "0") {
		var code int
		fmt.Sscanf(lr.ErrorCode, "%d", &code)
		return "", &Error{Message: lr.ErrMsg, Code: code}
	}
	if lr.Token == "" {
		return "", &Error{Message: "no session token in login response"}
	}
	return lr.Token, nil
}

func urlEncode(s string) string {
	var buf bytes.Buffer
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			buf.WriteRune(r)
		} else {
			fmt.Fprintf(&buf, "%%%02X", r)
		}
	}
	return buf.String()
}

// encryptPassword implements EBO's hybrid RSA-OAEP + AES-128-CBC
// password encryption: the base64-encoded password is AES-CBC
// encrypted under a random key, and that key is RSA-OAEP(SHA-1)
// encrypted under the server's published public key.
func encryptPassword(password string, pubKey *rsaJWK) (string, error) {
	key, err := importRSAKey(pubKey)
	if err != nil {
		return "", err
	}

	pwdB64 := []byte(base64.StdEncoding.EncodeToString([]byte(password)))

	aesKey := make([]byte, 16)
	iv := make([]byte, 16)
	if _, err := rand.Read(aesKey); err != nil {
		return "", err
	}
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	padded := pkcs7Pad(pwdB64, aes.BlockSize)
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	rsaCiphertext, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, key, aesKey, nil)
	if err != nil {
		return "", err
	}

	bb8 := base64.StdEncoding.EncodeToString(ciphertext)
	c3po := base64.StdEncoding.EncodeToString(rsaCiphertext)
	r2d2 := base64.StdEncoding.EncodeToString(iv)

	return fmt.Sprintf("BB8=%s,C3PO=%s,R2D2=%s", bb8, c3po, r2d2), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - (len(data) % blockSize)
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, padding...)
}

func importRSAKey(jwk *rsaJWK) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)

	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

type commandRequest struct {
	Command        string   `json:"command"`
	PropertyPaths  []string `json:"propertyPaths,omitempty"`
	Handle         string   `json:"handle,omitempty"`
}

func (a *Adapter) postCommand(ctx context.Context, cmd commandRequest, out interface{}) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/json/POST", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("X-CSRF-Token", a.sessionToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		a.mu.Lock()
		a.sessionToken = ""
		a.mu.Unlock()
		return &Error{Message: "session expired"}
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

type createSubscriptionResponse struct {
	Handle string                   `json:"handle"`
	Items  []subscriptionItem       `json:"items"`
}

type subscriptionItem struct {
	Index    int    `json:"index"`
	Path     string `json:"path"`
	Property struct {
		Value string `json:"value"`
	} `json:"property"`
}

type readSubscriptionResponse struct {
	Items []subscriptionItem `json:"items"`
}

// ReadCurrentValues creates a live subscription over the requested
// paths on first call, then polls the existing subscription by handle
// on subsequent calls. A failed poll resets the handle so the next
// call recreates the subscription.
func (a *Adapter) ReadCurrentValues(ctx context.Context, signalIDs []string) (map[string]float64, error) {
	if err := a.Authenticate(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	a.subscriptionMu.Lock()
	defer a.subscriptionMu.Unlock()

	var items []subscriptionItem

	if a.subscriptionHandle == "" {
		var resp createSubscriptionResponse
		if err := a.postCommand(ctx, commandRequest{Command: "CreateSubscription", PropertyPaths: signalIDs}, &resp); err != nil {
			return nil, fmt.Errorf("create subscription: %w", err)
		}
		a.subscriptionHandle = resp.Handle
		a.subscriptionIdx = make(map[string]int, len(signalIDs))
		for i, p := range signalIDs {
			a.subscriptionIdx[p] = i
		}
		items = resp.Items
	} else {
		var resp readSubscriptionResponse
		if err := a.postCommand(ctx, commandRequest{Command: "ReadSubscription", Handle: a.subscriptionHandle}, &resp); err != nil {
			a.subscriptionHandle = ""
			return nil, fmt.Errorf("read subscription: %w", err)
		}
		items = resp.Items
	}

	pathByIndex := make(map[int]string, len(a.subscriptionIdx))
	for path, idx := range a.subscriptionIdx {
		pathByIndex[idx] = path
	}

	values := make(map[string]float64)
	for _, item := range items {
		path := item.Path
		if path == "" {
			path = pathByIndex[item.Index]
		}
		if v, ok := decodeHexFloat(item.Property.Value); ok {
			values[path] = v
		}
	}
	return values, nil
}

// ReadHistory is not reachable through EBO WebStation's JSON command
// API, so it always returns ErrNotSupported; the gap filler counts that
// as an error and leaves EBO heating-series gaps unfilled. Callers must
// handle ErrNotSupported.
func (a *Adapter) ReadHistory(ctx context.Context, signalIDs []string, from, to time.Time, resolutionSeconds int) (map[string][]bms.HistoryPoint, error) {
	return nil, bms.ErrNotSupported
}

// GetAlarms is not exposed by the EBO WebStation JSON command API used
// here.
func (a *Adapter) GetAlarms(ctx context.Context) ([]bms.Alarm, error) {
	return nil, bms.ErrNotSupported
}

var _ bms.Adapter = (*Adapter)(nil)
