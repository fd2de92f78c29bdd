package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"github.com/claudecode-proxy/gateway/internal/cache"
	"github.com/claudecode-proxy/gateway/internal/converse"
	"github.com/claudecode-proxy/gateway/internal/models"
	"github.com/claudecode-proxy/gateway/internal/security"
)

// BedrockAdapter translates Messages API calls to the Bedrock Converse API,
// authenticating with the key owner's stored bearer token.
type BedrockAdapter struct {
	client    *http.Client
	db        *gorm.DB
	encryptor *security.Encryptor
	keyCache  *cache.TTLCache[string]
	resolver  *ModelResolver

	// endpointOverride replaces the regional endpoint in tests.
	endpointOverride string
}

// NewBedrockAdapter creates the Bedrock adapter. keyCache holds decrypted
// bearer tokens keyed by access key ID and must stay in-process.
func NewBedrockAdapter(client *http.Client, db *gorm.DB, encryptor *security.Encryptor, keyCache *cache.TTLCache[string], resolver *ModelResolver) *BedrockAdapter {
	return &BedrockAdapter{
		client:    client,
		db:        db,
		encryptor: encryptor,
		keyCache:  keyCache,
		resolver:  resolver,
	}
}

// SetEndpoint overrides the regional endpoint, for tests.
func (a *BedrockAdapter) SetEndpoint(endpoint string) {
	a.endpointOverride = strings.TrimRight(endpoint, "/")
}

// Name implements Adapter.
func (a *BedrockAdapter) Name() string { return ProviderBedrock }

// Invoke runs a unary Converse call and translates the response back to the
// client's wire format.
func (a *BedrockAdapter) Invoke(ctx context.Context, rctx *RequestContext, req *Request) (*AdapterResponse, error) {
	resp, modelID, errSend := a.send(ctx, rctx, req, false)
	if errSend != nil {
		return nil, errSend
	}
	defer resp.Body.Close()

	body, errRead := io.ReadAll(resp.Body)
	if errRead != nil {
		return nil, NewAdapterError(ErrKindBedrockUnavailable, 503, errRead.Error())
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyBedrockError(resp.StatusCode, string(body))
	}

	parsed, errParse := converse.ParseResponse(body, req.Parsed.Model, "msg_"+rctx.RequestID)
	if errParse != nil {
		return nil, NewAdapterError(ErrKindBedrockUnavailable, 502, fmt.Sprintf("invalid Bedrock response: %v", errParse))
	}

	encoded, errMarshal := json.Marshal(parsed)
	if errMarshal != nil {
		return nil, NewAdapterError(ErrKindBedrockUnavailable, 502, errMarshal.Error())
	}
	usage := parsed.Usage
	return &AdapterResponse{Body: encoded, Usage: &usage, Model: modelID}, nil
}

// Stream opens a converse-stream call and returns the translated SSE body.
func (a *BedrockAdapter) Stream(ctx context.Context, rctx *RequestContext, req *Request) (*StreamHandle, error) {
	resp, modelID, errSend := a.send(ctx, rctx, req, true)
	if errSend != nil {
		return nil, errSend
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, classifyBedrockError(resp.StatusCode, string(body))
	}

	decoder := converse.NewStreamDecoder(req.Parsed.Model, "msg_"+rctx.RequestID)
	return &StreamHandle{Body: decoder.Translate(resp.Body), Model: modelID}, nil
}

func (a *BedrockAdapter) send(ctx context.Context, rctx *RequestContext, req *Request, stream bool) (*http.Response, string, error) {
	token, errKey := a.bearerToken(ctx, rctx.AccessKeyID)
	if errKey != nil {
		return nil, "", errKey
	}

	payload, errBuild := converse.BuildRequest(req.Parsed)
	if errBuild != nil {
		return nil, "", NewAdapterError(ErrKindBedrockValidation, 400, errBuild.Error())
	}
	encoded, errMarshal := json.Marshal(payload)
	if errMarshal != nil {
		return nil, "", NewAdapterError(ErrKindBedrockValidation, 400, errMarshal.Error())
	}

	modelID := a.resolver.Resolve(req.Parsed.Model, rctx.BedrockModel)
	endpoint := a.converseURL(rctx.BedrockRegion, modelID, stream)

	httpReq, errReq := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if errReq != nil {
		return nil, "", NewAdapterError(ErrKindBedrockValidation, 400, errReq.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, errDo := a.client.Do(httpReq)
	if errDo != nil {
		if errors.Is(errDo, context.DeadlineExceeded) {
			return nil, "", NewAdapterError(ErrKindBedrockUnavailable, 504, "request timeout")
		}
		return nil, "", NewAdapterError(ErrKindBedrockUnavailable, 503, errDo.Error())
	}
	return resp, modelID, nil
}

// bearerToken returns the decrypted Bedrock API key for the access key,
// consulting the in-process cache first.
func (a *BedrockAdapter) bearerToken(ctx context.Context, accessKeyID uint64) (string, error) {
	cacheKey := strconv.FormatUint(accessKeyID, 10)
	if token, ok := a.keyCache.Get(cacheKey); ok {
		return token, nil
	}

	var credential models.BedrockCredential
	errFind := a.db.WithContext(ctx).
		Where("access_key_id = ?", accessKeyID).
		First(&credential).Error
	if errFind != nil {
		return "", NewAdapterError(ErrKindBedrockAuth, 401, "Bedrock key not found")
	}

	plaintext, errDecrypt := a.encryptor.Decrypt(credential.EncryptedKey)
	if errDecrypt != nil {
		return "", NewAdapterError(ErrKindBedrockAuth, 401, "Bedrock key decryption failed")
	}

	token := string(plaintext)
	a.keyCache.Set(cacheKey, token)
	return token, nil
}

// InvalidateKey drops a cached bearer token after credential rotation.
func (a *BedrockAdapter) InvalidateKey(accessKeyID uint64) {
	a.keyCache.Delete(strconv.FormatUint(accessKeyID, 10))
}

func (a *BedrockAdapter) converseURL(region, modelID string, stream bool) string {
	for _, prefix := range []string{"bedrock/", "converse/"} {
		modelID = strings.TrimPrefix(modelID, prefix)
	}
	suffix := "converse"
	if stream {
		suffix = "converse-stream"
	}
	endpoint := a.endpointOverride
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", region)
	}
	return fmt.Sprintf("%s/model/%s/%s", endpoint, url.PathEscape(modelID), suffix)
}

func classifyBedrockError(status int, body string) *AdapterError {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewAdapterError(ErrKindBedrockAuth, status, "authentication failed")
	case status == http.StatusTooManyRequests:
		return NewAdapterError(ErrKindBedrockQuota, status, "quota exceeded")
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return NewAdapterError(ErrKindBedrockValidation, status, truncateBody(body))
	default:
		return NewAdapterError(ErrKindBedrockUnavailable, status, truncateBody(body))
	}
}

var _ Adapter = (*BedrockAdapter)(nil)
