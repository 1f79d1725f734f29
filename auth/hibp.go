package auth

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	hibpRangeURL  = "https://api.pwnedpasswords.com/range/"
	hibpUserAgent = "zkvault/0.1"
)

// HIBPClient queries a Pwned Passwords compatible range endpoint.
type HIBPClient struct {
	// RangeURL is the endpoint prefix the 5-char hash prefix is appended to.
	RangeURL string
	HTTP     *http.Client
}

// DefaultHIBPClient talks to api.pwnedpasswords.com with a short timeout.
var DefaultHIBPClient = &HIBPClient{
	RangeURL: hibpRangeURL,
	HTTP:     &http.Client{Timeout: 4 * time.Second},
}

// HIBPResult captures whether a password hash suffix was found in the HIBP dataset.
type HIBPResult struct {
	Found bool
	Count int
}

// CheckHIBP queries the public HIBP range API with DefaultHIBPClient.
func CheckHIBP(ctx context.Context, pw string) (HIBPResult, error) {
	return DefaultHIBPClient.Check(ctx, pw)
}

// Check looks pw up using k-anonymity: only the first 5 hex chars of
// SHA1(pw) leave the process. The response is scanned for the remaining
// 35-char suffix ("SUFFIX:COUNT" per line). Network, status and parse
// failures are returned wrapped; the caller decides to fail open or closed.
func (c *HIBPClient) Check(ctx context.Context, pw string) (HIBPResult, error) {
	var result HIBPResult

	sum := sha1.Sum([]byte(pw))
	hashHex := strings.ToUpper(hex.EncodeToString(sum[:]))
	prefix := hashHex[:5]
	suffix := hashHex[5:]

	base := c.RangeURL
	if base == "" {
		base = hibpRangeURL
	}
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+prefix, nil)
	if err != nil {
		return result, fmt.Errorf("hibp request: %w", err)
	}
	req.Header.Set("User-Agent", hibpUserAgent)
	req.Header.Set("Add-Padding", "true")

	resp, err := httpClient.Do(req)
	if err != nil {
		return result, fmt.Errorf("hibp query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return result, fmt.Errorf("hibp query: unexpected status %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		partIdx := strings.IndexByte(line, ':')
		if partIdx == -1 {
			continue
		}

		lineSuffix := line[:partIdx]
		countStr := strings.TrimSpace(line[partIdx+1:])
		if !strings.EqualFold(lineSuffix, suffix) {
			continue
		}

		count, err := strconv.Atoi(countStr)
		if err != nil {
			return result, fmt.Errorf("hibp parse count: %w", err)
		}

		// Padding rows carry a zero count.
		if count == 0 {
			return result, nil
		}
		result.Found = true
		result.Count = count
		return result, nil
	}

	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("hibp read response: %w", err)
	}

	return result, nil
}
