// Package signer implements AWS Signature Version 4 request signing for the
// aws-s3 and aws-s3-presigned-url auth types, plus a background-refreshed
// cache of presigned URLs. No ecosystem AWS SDK is used: SigV4 is a closed,
// well-specified byte-level algorithm over crypto/hmac and crypto/sha256,
// and none of the retrieved reference repositories import an AWS SDK (see
// DESIGN.md).
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Credentials are the resolved (not template/ref) AWS access credentials
// for a single signing operation.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// SigV4 signs S3 requests using AWS Signature Version 4.
type SigV4 struct {
	Region  string
	Service string
}

// New returns a SigV4 signer scoped to region/service (region defaults to
// "us-east-1" and service to "s3" when empty).
func New(region, service string) *SigV4 {
	if region == "" {
		region = "us-east-1"
	}
	if service == "" {
		service = "s3"
	}
	return &SigV4{Region: region, Service: service}
}

const amzDateFormat = "20060102T150405Z"
const dateStampFormat = "20060102"

// Presign returns a presigned GET URL for rawURL, valid for expiresIn,
// following the SigV4 query-string signing algorithm (X-Amz-Algorithm /
// X-Amz-Credential / X-Amz-Date / X-Amz-Expires / X-Amz-SignedHeaders /
// X-Amz-Signature).
func (s *SigV4) Presign(rawURL string, creds Credentials, expiresIn time.Duration, now time.Time) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing url: %w", err)
	}

	amzDate := now.UTC().Format(amzDateFormat)
	dateStamp := now.UTC().Format(dateStampFormat)
	scope := fmt.Sprintf("%s/%s/%s/aws4_request", dateStamp, s.Region, s.Service)

	q := u.Query()
	q.Set("X-Amz-Algorithm", "AWS4-HMAC-SHA256")
	q.Set("X-Amz-Credential", fmt.Sprintf("%s/%s", creds.AccessKeyID, scope))
	q.Set("X-Amz-Date", amzDate)
	q.Set("X-Amz-Expires", strconv.Itoa(int(expiresIn.Seconds())))
	q.Set("X-Amz-SignedHeaders", "host")
	if creds.SessionToken != "" {
		q.Set("X-Amz-Security-Token", creds.SessionToken)
	}
	u.RawQuery = q.Encode()

	canonicalHeaders := fmt.Sprintf("host:%s\n", u.Host)
	canonicalRequest := strings.Join([]string{
		"GET",
		canonicalURIPath(u.Path),
		canonicalQueryString(u.Query()),
		canonicalHeaders,
		"host",
		"UNSIGNED-PAYLOAD",
	}, "\n")

	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hashHex(canonicalRequest),
	}, "\n")

	signingKey := deriveSigningKey(creds.SecretAccessKey, dateStamp, s.Region, s.Service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	finalQuery := u.Query()
	finalQuery.Set("X-Amz-Signature", signature)
	u.RawQuery = finalQuery.Encode()

	return u.String(), nil
}

// SignHeaders computes the Authorization header value for a header-signed
// (non-presigned) aws-s3 request.
func (s *SigV4) SignHeaders(method, rawURL string, headers map[string]string, payloadHash string, creds Credentials, now time.Time) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing url: %w", err)
	}

	amzDate := now.UTC().Format(amzDateFormat)
	dateStamp := now.UTC().Format(dateStampFormat)
	scope := fmt.Sprintf("%s/%s/%s/aws4_request", dateStamp, s.Region, s.Service)

	merged := make(map[string]string, len(headers)+2)
	for k, v := range headers {
		merged[strings.ToLower(k)] = strings.TrimSpace(v)
	}
	merged["host"] = u.Host
	merged["x-amz-date"] = amzDate
	if payloadHash == "" {
		payloadHash = "UNSIGNED-PAYLOAD"
	}
	merged["x-amz-content-sha256"] = payloadHash

	signedHeaderNames := make([]string, 0, len(merged))
	for k := range merged {
		signedHeaderNames = append(signedHeaderNames, k)
	}
	sort.Strings(signedHeaderNames)

	var canonicalHeaders strings.Builder
	for _, k := range signedHeaderNames {
		canonicalHeaders.WriteString(k)
		canonicalHeaders.WriteByte(':')
		canonicalHeaders.WriteString(merged[k])
		canonicalHeaders.WriteByte('\n')
	}
	signedHeaders := strings.Join(signedHeaderNames, ";")

	canonicalRequest := strings.Join([]string{
		method,
		canonicalURIPath(u.Path),
		canonicalQueryString(u.Query()),
		canonicalHeaders.String(),
		signedHeaders,
		payloadHash,
	}, "\n")

	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hashHex(canonicalRequest),
	}, "\n")

	signingKey := deriveSigningKey(creds.SecretAccessKey, dateStamp, s.Region, s.Service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	return fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		creds.AccessKeyID, scope, signedHeaders, signature,
	), nil
}

func canonicalURIPath(p string) string {
	if p == "" {
		return "/"
	}
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

func canonicalQueryString(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			parts = append(parts, fmt.Sprintf("%s=%s", url.QueryEscape(k), url.QueryEscape(v)))
		}
	}
	return strings.Join(parts, "&")
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func deriveSigningKey(secret, dateStamp, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), dateStamp)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, "aws4_request")
}
