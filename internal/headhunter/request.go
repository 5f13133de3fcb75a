package headhunter

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/job-responder/internal/source"
	"github.com/spigell/job-responder/internal/utils"
)

const (
	contentType     = "application/json"
	contentEncoding = "gzip"
	maxErrorBody    = 300
)

type ItemResponse struct {
	Items   []Item
	Found   int
	Pages   int
	Page    int
	PerPage int `json:"per_page"`
}

type Item interface{}

// apiError is the body hh.ru sends with 4xx responses.
type apiError struct {
	Errors []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"errors"`
}

func (e apiError) has(value string) bool {
	for _, item := range e.Errors {
		if item.Value == value {
			return true
		}
	}
	return false
}

// GetItems makes GET request to HeadHunter API and return items from all pages.
func (c *Client) GetItems(ctx context.Context, url string, q url.Values) ([]Item, error) {
	var items []Item

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	req = c.setHeaders(req)
	// Additional headers. For GET requests only
	req.Header.Set("Content-Type", contentType)
	req.URL.RawQuery = q.Encode()

	response, err := c.fetchItems(req, "list")
	if err != nil {
		return nil, err
	}

	c.logger.Debug("got response from HH.ru", zap.Int("pages", response.Pages), zap.Int("max items per page", response.PerPage))

	items = append(items, response.Items...)

	fetched := 1
	for response.Page < (response.Pages - 1) {
		if c.maxPages > 0 && fetched >= c.maxPages {
			c.logger.Debug("page limit reached", zap.Int("max_pages", c.maxPages))
			break
		}

		c.logger.Debug("additional request needed", zap.String("reason", fmt.Sprintf(
			"current page (%d) < all page count (%d)", response.Page+1, response.Pages),
		))

		response, err = c.fetchItems(addPage(req, response.Page+1), "list")
		if err != nil {
			return nil, err
		}
		fetched++

		items = append(items, response.Items...)
	}

	return items, nil
}

func (c *Client) fetchItems(req *http.Request, op string) (*ItemResponse, error) {
	var response *ItemResponse
	if err := c.do(req, op, http.StatusOK, &response); err != nil {
		return nil, err
	}
	if response == nil {
		return &ItemResponse{}, nil
	}
	return response, nil
}

func (c *Client) getJSON(ctx context.Context, url string, q url.Values, target interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	req = c.setHeaders(req)
	req.Header.Set("Content-Type", contentType)
	if q != nil {
		req.URL.RawQuery = q.Encode()
	}

	return c.do(req, "get", http.StatusOK, target)
}

func (c *Client) postFormData(ctx context.Context, url string, data map[string]string) error {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	for key, val := range data {
		field, err := w.CreateFormField(key)
		if err != nil {
			return err
		}

		_, err = io.Copy(field, strings.NewReader(val))
		if err != nil {
			return err
		}
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &b)
	if err != nil {
		return err
	}

	req = c.setHeaders(req)
	req.Header.Set("Content-Type", w.FormDataContentType())

	return c.do(req, "apply", http.StatusCreated, nil)
}

// do sends req, maps failures onto the source error kinds and decodes the body into target.
func (c *Client) do(req *http.Request, op string, want int, target interface{}) error {
	c.logger.Debug("make request", zap.String("url", req.URL.String()))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil && errors.Is(ctxErr, context.Canceled) {
			return ctxErr
		}
		return source.Unavailable(SourceID, op, err)
	}
	defer resp.Body.Close()

	data, err := readBody(resp)
	if err != nil {
		return source.Unavailable(SourceID, op, err)
	}

	if resp.StatusCode != want {
		return classify(op, resp, data)
	}

	if target == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decode hh.ru response: %w", err)
	}
	return nil
}

func classify(op string, resp *http.Response, body []byte) error {
	cause := fmt.Errorf("bad status: %s: %s", resp.Status, utils.TruncateForLog(string(body), maxErrorBody))

	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)

	switch {
	case apiErr.has("already_applied"):
		return source.AlreadyApplied(SourceID, op, cause)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return source.Auth(SourceID, op, cause)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= http.StatusInternalServerError:
		return source.Unavailable(SourceID, op, cause)
	default:
		return &source.Error{Source: SourceID, Op: op, Cause: cause}
	}
}

func readBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		reader = gz
	}
	return io.ReadAll(reader)
}

func (c *Client) setHeaders(req *http.Request) *http.Request {
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Accept-Encoding", contentEncoding)

	return req
}

// addPage adds page parameter to request URL.
func addPage(req *http.Request, page int) *http.Request {
	q := req.URL.Query()
	q.Set("page", strconv.Itoa(page))
	req.URL.RawQuery = q.Encode()

	return req
}
