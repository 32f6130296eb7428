// Package network talks to the token-issuing service that hands out
// short-lived storage credentials and assigns remote file names.
package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

const tokenPath = "upload-tokens"

// TokenRequest describes the upload a token is requested for.
type TokenRequest struct {
	FileType        string `json:"file_type"`
	SubCategory     string `json:"sub_category"`
	FileExtension   string `json:"file_extension"`
	FileName        string `json:"file_name"`
	FileSizeInBytes int64  `json:"file_size_in_bytes"`
}

// Token ...
type Token struct {
	Region          string `json:"region"`
	Bucket          string `json:"bucket"`
	AccessKeyID     string `json:"access_key_id"`
	AccessKeySecret string `json:"access_key_secret"`
	SessionToken    string `json:"session_token"`
	// RemoteName is the object name assigned by the service. Uploads must
	// use it verbatim, the credentials are scoped to it.
	RemoteName string `json:"remote_name"`
}

// Client is the production TokenClient, backed by a retrying HTTP client.
type Client struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// NewClient ...
func NewClient(httpClient *retryablehttp.Client, baseURL string, accessToken string, logger log.Logger) *Client {
	return &Client{
		httpClient:  httpClient,
		baseURL:     baseURL,
		accessToken: accessToken,
		logger:      logger,
	}
}

// GetToken requests storage credentials for one upload intent.
func (c *Client) GetToken(ctx context.Context, request TokenRequest) (*Token, error) {
	url := fmt.Sprintf("%s/%s", strings.TrimSuffix(c.baseURL, "/"), tokenPath)

	body, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	req.Header.Set("Content-type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, unwrapError(resp)
	}

	var token Token
	err = json.NewDecoder(resp.Body).Decode(&token)
	if err != nil {
		return nil, err
	}
	if token.RemoteName == "" {
		return nil, fmt.Errorf("token response has no remote file name")
	}

	return &token, nil
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}
