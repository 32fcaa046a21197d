package syncview

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// reference remote store adapter: the live change feed is a websocket of
// json frames, the one-shot legs are http. the frame layout is an adapter
// detail; the core only sees the RemoteStore capability.

func DefaultRemoteClientSettings() *RemoteClientSettings {
	return &RemoteClientSettings{
		WsHandshakeTimeout: 2 * time.Second,
		PingTimeout:        15 * time.Second,
		WriteTimeout:       5 * time.Second,
		HttpTimeout:        60 * time.Second,
		HttpConnectTimeout: 5 * time.Second,
		HttpTlsTimeout:     5 * time.Second,
		FeedBufferSize:     1,
	}
}

type RemoteClientSettings struct {
	WsHandshakeTimeout time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	HttpTimeout        time.Duration
	HttpConnectTimeout time.Duration
	HttpTlsTimeout     time.Duration
	FeedBufferSize     int
}

type ViewerAuth struct {
	ByJwt string
}

func (self *ViewerAuth) ViewerId() (Id, error) {
	return ParseViewerJwtUnverified(self.ByJwt)
}

// the jwt is verified by the platform. locally we only need the viewer id
// claim out of it.
func ParseViewerJwtUnverified(byJwt string) (Id, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwt, gojwt.MapClaims{})
	if err != nil {
		return Id{}, err
	}

	claims := token.Claims.(gojwt.MapClaims)
	if viewerIdStr, ok := claims["viewer_id"].(string); ok {
		return ParseId(viewerIdStr)
	}
	if userIdStr, ok := claims["user_id"].(string); ok {
		return ParseId(userIdStr)
	}
	return Id{}, fmt.Errorf("jwt has no viewer claim")
}

// RemoteStore implementation
type RemoteClient struct {
	ctx context.Context

	// http(s) base url
	apiUrl string
	// ws(s) base url
	feedUrl string
	auth    *ViewerAuth

	httpClient *http.Client
	settings   *RemoteClientSettings
}

func NewRemoteClientWithDefaults(ctx context.Context, apiUrl string, feedUrl string, auth *ViewerAuth) *RemoteClient {
	return NewRemoteClient(ctx, apiUrl, feedUrl, auth, DefaultRemoteClientSettings())
}

func NewRemoteClient(ctx context.Context, apiUrl string, feedUrl string, auth *ViewerAuth, settings *RemoteClientSettings) *RemoteClient {
	dialer := &net.Dialer{
		Timeout: settings.HttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.HttpTlsTimeout,
	}
	return &RemoteClient{
		ctx:     ctx,
		apiUrl:  apiUrl,
		feedUrl: feedUrl,
		auth:    auth,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   settings.HttpTimeout,
		},
		settings: settings,
	}
}

// one frame off the feed socket
type changeFrame struct {
	Records    []*recordDocument `json:"records"`
	Provenance string            `json:"provenance"`
	ErrorCode  string            `json:"error_code,omitempty"`
}

type wsChangeFeed struct {
	ctx    context.Context
	cancel context.CancelFunc

	batches chan *ChangeBatch

	errValue error
}

func (self *wsChangeFeed) Batches() <-chan *ChangeBatch {
	return self.batches
}

func (self *wsChangeFeed) Err() error {
	return self.errValue
}

func (self *wsChangeFeed) Close() {
	self.cancel()
}

func (self *RemoteClient) QueryChanges(ctx context.Context, scope Scope, limit int) (ChangeFeed, error) {
	feedUrl := fmt.Sprintf(
		"%s/changes?scope=%s&limit=%d",
		self.feedUrl,
		url.QueryEscape(scope.Key()),
		limit,
	)
	header := http.Header{}
	header.Set("Authorization", fmt.Sprintf("Bearer %s", self.auth.ByJwt))

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, response, err := dialer.DialContext(ctx, feedUrl, header)
	if err != nil {
		if response != nil {
			return nil, httpStatusError(response.StatusCode)
		}
		return nil, fmt.Errorf("%w: %s", ErrTransientNetwork, err)
	}

	feedCtx, feedCancel := context.WithCancel(ctx)
	feed := &wsChangeFeed{
		ctx:     feedCtx,
		cancel:  feedCancel,
		batches: make(chan *ChangeBatch, self.settings.FeedBufferSize),
	}

	go func() {
		defer feedCancel()
		defer ws.Close()

		for {
			select {
			case <-feedCtx.Done():
				return
			case <-time.After(self.settings.PingTimeout):
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()

	go func() {
		defer close(feed.batches)
		defer feedCancel()

		for {
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				select {
				case <-feedCtx.Done():
					feed.errValue = ErrClosed
				default:
					feed.errValue = fmt.Errorf("%w: %s", ErrTransientNetwork, err)
				}
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}

			var frame changeFrame
			if err := json.Unmarshal(message, &frame); err != nil {
				glog.Infof("[feed]%s bad frame = %s\n", scope, err)
				continue
			}
			if frame.ErrorCode != "" {
				feed.errValue = errorForCode(frame.ErrorCode)
				return
			}

			batch := &ChangeBatch{
				Records:    decodeDocuments(scope, frame.Records),
				Provenance: ProvenanceFromServer,
			}
			if frame.Provenance == string(ProvenanceFromCache) {
				batch.Provenance = ProvenanceFromCache
			}
			select {
			case feed.batches <- batch:
			case <-feedCtx.Done():
				feed.errValue = ErrClosed
				return
			}
		}
	}()

	return feed, nil
}

type pageResult struct {
	Records    []*recordDocument `json:"records"`
	Provenance string            `json:"provenance"`
}

func (self *RemoteClient) QueryPage(ctx context.Context, scope Scope, after *CursorPosition, limit int, source QuerySource) (*Page, error) {
	values := url.Values{}
	values.Set("scope", scope.Key())
	values.Set("limit", fmt.Sprintf("%d", limit))
	values.Set("source", string(source))
	if after != nil {
		values.Set("after_id", after.RecordId.String())
		values.Set("after_ms", fmt.Sprintf("%d", after.CreatedAt.UnixMilli()))
	}

	var result pageResult
	if err := self.get(ctx, fmt.Sprintf("%s/records?%s", self.apiUrl, values.Encode()), &result); err != nil {
		return nil, err
	}

	page := &Page{
		Records:    decodeDocuments(scope, result.Records),
		Provenance: ProvenanceFromServer,
	}
	if result.Provenance == string(ProvenanceFromCache) {
		page.Provenance = ProvenanceFromCache
	}
	return page, nil
}

type writeRequest struct {
	Scope    string       `json:"scope"`
	ClientId string       `json:"client_id"`
	Create   *Payload     `json:"create,omitempty"`
	Patch    *RecordPatch `json:"patch,omitempty"`
}

type writeResult struct {
	RecordId    string `json:"record_id"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

func (self *RemoteClient) Write(ctx context.Context, scope Scope, op *WriteOp, clientId Id) (*WriteAck, error) {
	request := &writeRequest{
		Scope:    scope.Key(),
		ClientId: clientId.String(),
		Create:   op.Create,
		Patch:    op.Patch,
	}

	var result writeResult
	if err := self.post(ctx, fmt.Sprintf("%s/records", self.apiUrl), request, &result); err != nil {
		return nil, err
	}

	recordId, err := ParseId(result.RecordId)
	if err != nil {
		return nil, err
	}
	return &WriteAck{
		RecordId:  recordId,
		CreatedAt: time.UnixMilli(result.CreatedAtMs).UTC(),
	}, nil
}

type allowListResult struct {
	ViewerIds []string `json:"viewer_ids"`
}

func (self *RemoteClient) LookupAllowList(ctx context.Context, viewerId Id) (map[Id]bool, error) {
	var result allowListResult
	if err := self.get(ctx, fmt.Sprintf("%s/viewers/%s/allowlist", self.apiUrl, viewerId), &result); err != nil {
		return nil, err
	}

	allowedIds := map[Id]bool{}
	for _, allowedIdStr := range result.ViewerIds {
		allowedId, err := ParseId(allowedIdStr)
		if err != nil {
			continue
		}
		allowedIds[allowedId] = true
	}
	return allowedIds, nil
}

func (self *RemoteClient) get(ctx context.Context, requestUrl string, result any) error {
	request, err := http.NewRequestWithContext(ctx, "GET", requestUrl, nil)
	if err != nil {
		return err
	}
	return self.do(request, result)
}

func (self *RemoteClient) post(ctx context.Context, requestUrl string, body any, result any) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, "POST", requestUrl, bytes.NewReader(bodyBytes))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	return self.do(request, result)
}

func (self *RemoteClient) do(request *http.Request, result any) error {
	request.Header.Set("Authorization", fmt.Sprintf("Bearer %s", self.auth.ByJwt))

	response, err := self.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrTransientNetwork, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		// the store signals index problems with a body code
		bodyBytes, _ := io.ReadAll(response.Body)
		var errorBody struct {
			ErrorCode string `json:"error_code"`
		}
		if err := json.Unmarshal(bodyBytes, &errorBody); err == nil && errorBody.ErrorCode != "" {
			return errorForCode(errorBody.ErrorCode)
		}
		return httpStatusError(response.StatusCode)
	}

	bodyBytes, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrTransientNetwork, err)
	}
	return json.Unmarshal(bodyBytes, result)
}

func decodeDocuments(scope Scope, docs []*recordDocument) []*Record {
	records := make([]*Record, 0, len(docs))
	for _, doc := range docs {
		record, err := decodeRecordDocument(doc)
		if err != nil {
			// quarantine at the boundary, keep the rest of the batch
			glog.Infof("[feed]%s drop document = %s\n", scope, err)
			continue
		}
		records = append(records, record)
	}
	return records
}

func errorForCode(errorCode string) error {
	switch errorCode {
	case "permission_denied":
		return fmt.Errorf("%w: %s", ErrPermissionDenied, errorCode)
	case "index_unavailable":
		return fmt.Errorf("%w: %s", ErrIndexUnavailable, errorCode)
	default:
		return fmt.Errorf("%w: %s", ErrTransientNetwork, errorCode)
	}
}

func httpStatusError(statusCode int) error {
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrPermissionDenied, statusCode)
	default:
		return fmt.Errorf("%w: status %d", ErrTransientNetwork, statusCode)
	}
}
