package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// document CRUD api, used for initial load and non-realtime mutations.
// the sync core only consumes the document shape contract

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

type BoardApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewBoardApi(apiUrl string) *BoardApi {
	return NewBoardApiWithContext(context.Background(), apiUrl)
}

func NewBoardApiWithContext(ctx context.Context, apiUrl string) *BoardApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &BoardApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *BoardApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

type CreateDocumentCallback apiCallback[*CreateDocumentResult]

type CreateDocumentArgs struct {
	Title    string     `json:"title"`
	Elements []*Element `json:"elements,omitempty"`
}

type CreateDocumentResult struct {
	Document *Document            `json:"document,omitempty"`
	Error    *DocumentResultError `json:"error,omitempty"`
}

type DocumentResultError struct {
	// an ownership or permission rejection, not a connection fault
	PermissionDenied bool   `json:"permission_denied,omitempty"`
	Message          string `json:"message"`
}

func (self *BoardApi) CreateDocument(createDocument *CreateDocumentArgs, callback CreateDocumentCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/documents/create", self.apiUrl),
		createDocument,
		self.byJwt,
		&CreateDocumentResult{},
		callback,
	)
}

func (self *BoardApi) CreateDocumentSync(createDocument *CreateDocumentArgs) (*CreateDocumentResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/documents/create", self.apiUrl),
		createDocument,
		self.byJwt,
		&CreateDocumentResult{},
		NewNoopApiCallback[*CreateDocumentResult](),
	)
}

type GetDocumentCallback apiCallback[*GetDocumentResult]

type GetDocumentResult struct {
	Document *Document            `json:"document,omitempty"`
	Error    *DocumentResultError `json:"error,omitempty"`
}

func (self *BoardApi) GetDocument(documentId Id, callback GetDocumentCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/documents/%s", self.apiUrl, documentId),
		self.byJwt,
		&GetDocumentResult{},
		callback,
	)
}

func (self *BoardApi) GetDocumentSync(documentId Id) (*GetDocumentResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/documents/%s", self.apiUrl, documentId),
		self.byJwt,
		&GetDocumentResult{},
		NewNoopApiCallback[*GetDocumentResult](),
	)
}

type ListDocumentsCallback apiCallback[*ListDocumentsResult]

type ListDocumentsResult struct {
	Documents []*Document `json:"documents"`
}

func (self *BoardApi) ListDocuments(callback ListDocumentsCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/documents", self.apiUrl),
		self.byJwt,
		&ListDocumentsResult{},
		callback,
	)
}

func (self *BoardApi) ListDocumentsSync() (*ListDocumentsResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/documents", self.apiUrl),
		self.byJwt,
		&ListDocumentsResult{},
		NewNoopApiCallback[*ListDocumentsResult](),
	)
}

type UpdateDocumentCallback apiCallback[*UpdateDocumentResult]

type UpdateDocumentArgs struct {
	DocumentId Id         `json:"document_id"`
	Title      string     `json:"title"`
	Elements   []*Element `json:"elements"`
}

type UpdateDocumentResult struct {
	Document *Document            `json:"document,omitempty"`
	Error    *DocumentResultError `json:"error,omitempty"`
}

func (self *BoardApi) UpdateDocument(updateDocument *UpdateDocumentArgs, callback UpdateDocumentCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/documents/update", self.apiUrl),
		updateDocument,
		self.byJwt,
		&UpdateDocumentResult{},
		callback,
	)
}

type DeleteDocumentCallback apiCallback[*DeleteDocumentResult]

type DeleteDocumentArgs struct {
	DocumentId Id `json:"document_id"`
}

type DeleteDocumentResult struct {
	Error *DocumentResultError `json:"error,omitempty"`
}

func (self *BoardApi) DeleteDocument(deleteDocument *DeleteDocumentArgs, callback DeleteDocumentCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/documents/delete", self.apiUrl),
		deleteDocument,
		self.byJwt,
		&DeleteDocumentResult{},
		callback,
	)
}

type RevertDocumentCallback apiCallback[*RevertDocumentResult]

type RevertDocumentArgs struct {
	DocumentId Id `json:"document_id"`
	// the version to restore. the restored content lands as a normal
	// forward-version write, so the document version still moves forward
	ToVersion Version `json:"to_version"`
}

type RevertDocumentResult struct {
	Document *Document            `json:"document,omitempty"`
	Error    *DocumentResultError `json:"error,omitempty"`
}

func (self *BoardApi) RevertDocument(revertDocument *RevertDocumentArgs, callback RevertDocumentCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/documents/revert", self.apiUrl),
		revertDocument,
		self.byJwt,
		&RevertDocumentResult{},
		callback,
	)
}

type ToggleShareCallback apiCallback[*ToggleShareResult]

type ToggleShareArgs struct {
	DocumentId Id   `json:"document_id"`
	Public     bool `json:"public"`
}

// only the owner may toggle visibility. others get a permission denied error
type ToggleShareResult struct {
	Document *Document            `json:"document,omitempty"`
	Error    *DocumentResultError `json:"error,omitempty"`
}

func (self *BoardApi) ToggleShare(toggleShare *ToggleShareArgs, callback ToggleShareCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/documents/toggle-share", self.apiUrl),
		toggleShare,
		self.byJwt,
		&ToggleShareResult{},
		callback,
	)
}

func (self *BoardApi) ToggleShareSync(toggleShare *ToggleShareArgs) (*ToggleShareResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/documents/toggle-share", self.apiUrl),
		toggleShare,
		self.byJwt,
		&ToggleShareResult{},
		NewNoopApiCallback[*ToggleShareResult](),
	)
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
