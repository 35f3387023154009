/* Copyright 2016-2017 Vector Creations Ltd
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package fclient implements the federation request signing and
// verification scheme used for server-to-server HTTP calls: requests are
// turned into a signable JSON object, signed with the origin server's
// ed25519 key, and carried as an "X-Matrix" Authorization header.
package fclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/matrix-org/util"
	"golang.org/x/crypto/ed25519"

	"github.com/matrixcore/hscore/keys"
	"github.com/matrixcore/hscore/serverkeys"
	"github.com/matrixcore/hscore/spec"
)

// A FederationRequest is a request to send to a remote server, or a request
// received from a remote server, for one of the federation APIs under
// /_matrix/federation. Federation requests are authenticated by building a
// canonical JSON object out of the method, path, origin, destination and
// body, and signing that object with the origin server's key.
type FederationRequest struct {
	fields struct {
		Content     json.RawMessage                 `json:"content,omitempty"`
		Destination string                       `json:"destination"`
		Method      string                       `json:"method"`
		Origin      string                       `json:"origin"`
		Signatures  map[string]map[string]string `json:"signatures,omitempty"`
		RequestURI  string                       `json:"uri"`
	}
}

// NewFederationRequest creates a federation request. Takes an HTTP method, a
// destination homeserver and a request path which can have a query string.
func NewFederationRequest(method, destination, requestURL string) FederationRequest {
	var r FederationRequest
	r.fields.Destination = destination
	r.fields.Method = method
	r.fields.RequestURI = requestURL
	return r
}

// SetContent sets the JSON content for the request.
// Returns an error if there already is JSON content present on the request.
func (r *FederationRequest) SetContent(content interface{}) error {
	if r.fields.Content != nil {
		return fmt.Errorf("fclient: content already set on the request")
	}
	if r.fields.Signatures != nil {
		return fmt.Errorf("fclient: the request is signed and cannot be modified")
	}
	data, err := json.Marshal(content)
	if err != nil {
		return err
	}
	r.fields.Content = json.RawMessage(data)
	return nil
}

// Method returns the HTTP method for the request.
func (r *FederationRequest) Method() string {
	return r.fields.Method
}

// Content returns the JSON content for the request.
func (r *FederationRequest) Content() []byte {
	return []byte(r.fields.Content)
}

// Origin returns the server that the request originated on.
func (r *FederationRequest) Origin() spec.ServerName {
	return spec.ServerName(r.fields.Origin)
}

// Destination returns the server the request is addressed to.
func (r *FederationRequest) Destination() spec.ServerName {
	return spec.ServerName(r.fields.Destination)
}

// RequestURI returns the path and query sections of the HTTP request URL.
func (r *FederationRequest) RequestURI() string {
	return r.fields.RequestURI
}

// Sign the federation request with an ed25519 key. Updates the request with
// the signature in place. Returns an error if the request is already signed
// by a different server.
func (r *FederationRequest) Sign(serverName spec.ServerName, keyID keys.KeyID, privateKey ed25519.PrivateKey) error {
	if r.fields.Origin != "" && r.fields.Origin != string(serverName) {
		return fmt.Errorf("fclient: the request is already signed by a different server")
	}
	r.fields.Origin = string(serverName)
	data, err := json.Marshal(r.fields)
	if err != nil {
		return err
	}
	signedData, err := keys.SignJSON(string(serverName), keyID, privateKey, data)
	if err != nil {
		return err
	}
	return json.Unmarshal(signedData, &r.fields)
}

// HTTPRequest constructs a net/http.Request for this federation request.
// The request can be passed to net/http.Client.Do().
func (r *FederationRequest) HTTPRequest() (*http.Request, error) {
	urlStr := fmt.Sprintf("matrix://%s%s", r.fields.Destination, r.fields.RequestURI)

	var content io.Reader
	if r.fields.Content != nil {
		content = bytes.NewReader([]byte(r.fields.Content))
	}

	httpReq, err := http.NewRequest(r.fields.Method, urlStr, content)
	if err != nil {
		return nil, err
	}

	if r.fields.Content != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	for keyID, sig := range r.fields.Signatures[r.fields.Origin] {
		httpReq.Header.Add("Authorization", fmt.Sprintf(
			"X-Matrix origin=\"%s\",key=\"%s\",sig=\"%s\"", r.fields.Origin, keyID, sig,
		))
	}

	return httpReq, nil
}

// VerifyHTTPRequest extracts and verifies the contents of a net/http.Request.
// It consumes the body of the request. The JSON content can be accessed
// using FederationRequest.Content(). Returns a 400 response if there was a
// problem parsing the request, and a 401 response if there was a problem
// authenticating it against the given key ring. HTTP handlers using this
// should be careful that they only use the parts of the request that have
// been authenticated: the method, the request path, the query parameters,
// and the JSON content.
func VerifyHTTPRequest(
	req *http.Request, now time.Time, destination spec.ServerName, ring serverkeys.JSONVerifier,
) (*FederationRequest, util.JSONResponse) {
	request, err := readHTTPRequest(req)
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Print("Error parsing HTTP headers")
		return nil, util.MessageResponse(400, "Bad Request")
	}
	request.fields.Destination = string(destination)

	toVerify, err := json.Marshal(request.fields)
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Print("Error parsing JSON")
		return nil, util.MessageResponse(400, "Invalid JSON")
	}

	if request.Origin() == "" {
		message := "Missing \"Authorization: X-Matrix ...\" HTTP header"
		util.GetLogger(req.Context()).Print(message)
		return nil, util.MessageResponse(401, message)
	}

	results, err := ring.VerifyJSONs(req.Context(), []serverkeys.VerifyJSONRequest{{
		ServerName: request.Origin(),
		AtTS:       spec.Timestamp(now.UnixNano() / 1000000),
		Message:    toVerify,
	}})
	if err != nil {
		message := "Error authenticating request"
		util.GetLogger(req.Context()).WithError(err).Print(message)
		return nil, util.MessageResponse(500, message)
	}
	if results[0].Error != nil {
		message := "Invalid request signature"
		util.GetLogger(req.Context()).WithError(results[0].Error).Print(message)
		return nil, util.MessageResponse(401, message)
	}

	return request, util.JSONResponse{Code: 200, JSON: struct{}{}}
}

// VerifyHTTPRequestContext is like VerifyHTTPRequest but takes a context
// explicitly rather than deriving it from the request, for callers that want
// to bound the key lookups with a different deadline than the request.
func VerifyHTTPRequestContext(
	ctx context.Context, req *http.Request, now time.Time, destination spec.ServerName, ring serverkeys.JSONVerifier,
) (*FederationRequest, util.JSONResponse) {
	request, err := readHTTPRequest(req)
	if err != nil {
		util.GetLogger(ctx).WithError(err).Print("Error parsing HTTP headers")
		return nil, util.MessageResponse(400, "Bad Request")
	}
	request.fields.Destination = string(destination)

	toVerify, err := json.Marshal(request.fields)
	if err != nil {
		util.GetLogger(ctx).WithError(err).Print("Error parsing JSON")
		return nil, util.MessageResponse(400, "Invalid JSON")
	}

	if request.Origin() == "" {
		message := "Missing \"Authorization: X-Matrix ...\" HTTP header"
		util.GetLogger(ctx).Print(message)
		return nil, util.MessageResponse(401, message)
	}

	results, err := ring.VerifyJSONs(ctx, []serverkeys.VerifyJSONRequest{{
		ServerName: request.Origin(),
		AtTS:       spec.Timestamp(now.UnixNano() / 1000000),
		Message:    toVerify,
	}})
	if err != nil {
		message := "Error authenticating request"
		util.GetLogger(ctx).WithError(err).Print(message)
		return nil, util.MessageResponse(500, message)
	}
	if results[0].Error != nil {
		message := "Invalid request signature"
		util.GetLogger(ctx).WithError(results[0].Error).Print(message)
		return nil, util.MessageResponse(401, message)
	}

	return request, util.JSONResponse{Code: 200, JSON: struct{}{}}
}

func readHTTPRequest(req *http.Request) (*FederationRequest, error) {
	var result FederationRequest

	result.fields.Method = req.Method
	result.fields.RequestURI = req.URL.RequestURI()

	content, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	if len(content) != 0 {
		if req.Header.Get("Content-Type") != "application/json" {
			return nil, fmt.Errorf(
				"fclient: the request must be \"application/json\" not %q",
				req.Header.Get("Content-Type"),
			)
		}
		result.fields.Content = json.RawMessage(content)
	}

	for _, authorization := range req.Header["Authorization"] {
		parts := strings.SplitN(authorization, " ", 2)
		if parts[0] != "X-Matrix" {
			continue
		}
		origin, key, sig := parseAuthorizationXMatrix(parts)
		if origin == "" || key == "" || sig == "" {
			return nil, fmt.Errorf("fclient: invalid X-Matrix authorization header")
		}
		if result.fields.Origin != "" && result.fields.Origin != origin {
			return nil, fmt.Errorf("fclient: different origins in X-Matrix authorization headers")
		}
		result.fields.Origin = origin
		if result.fields.Signatures == nil {
			result.fields.Signatures = map[string]map[string]string{origin: {key: sig}}
		} else {
			result.fields.Signatures[origin][key] = sig
		}
	}

	return &result, nil
}

func parseAuthorizationXMatrix(headerParts []string) (origin, key, sig string) {
	if len(headerParts) != 2 {
		return
	}
	for _, data := range strings.Split(headerParts[1], ",") {
		pair := strings.SplitN(data, "=", 2)
		if len(pair) != 2 {
			continue
		}
		name := pair[0]
		value := strings.Trim(pair[1], "\"")
		switch name {
		case "origin":
			origin = value
		case "key":
			key = value
		case "sig":
			sig = value
		}
	}
	return
}
