package proxy

import (
	"fmt"
	"net/http"
)

// FetchError 表示回源失败：网络错误或非 2xx 状态码。不会自动重试。
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("GET %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("%d %s for url: %s", e.StatusCode, http.StatusText(e.StatusCode), e.URL)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ParseError 表示回源正文不是合法 JSON，与网络失败分开记录。
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
