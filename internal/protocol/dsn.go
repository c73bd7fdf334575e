package protocol

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

type scheme string

const (
	schemeHTTP  scheme = "http"
	schemeHTTPS scheme = "https"
)

func (s scheme) defaultPort() int {
	if s == schemeHTTPS {
		return 443
	}
	return 80
}

// DsnParseError represents an error that occurs if a DSN cannot be parsed.
type DsnParseError struct {
	Message string
}

func (e DsnParseError) Error() string {
	return "[Sentry] DsnParseError: " + e.Message
}

// Dsn is used as the remote address source to client transport.
type Dsn struct {
	scheme    scheme
	publicKey string
	secretKey string
	host      string
	port      int
	path      string
	projectID string
}

// NewDsn creates a Dsn by parsing rawURL. Most users will never call this
// function directly. It is provided for use in custom Transport implementations.
func NewDsn(rawURL string) (*Dsn, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, &DsnParseError{fmt.Sprintf("invalid url: %v", err)}
	}

	var s scheme
	switch parsedURL.Scheme {
	case "http":
		s = schemeHTTP
	case "https":
		s = schemeHTTPS
	default:
		return nil, &DsnParseError{"invalid scheme"}
	}

	publicKey := parsedURL.User.Username()
	if publicKey == "" {
		return nil, &DsnParseError{"empty username"}
	}

	var secretKey string
	if parsedSecretKey, ok := parsedURL.User.Password(); ok {
		secretKey = parsedSecretKey
	}

	host := parsedURL.Hostname()
	if host == "" {
		return nil, &DsnParseError{"empty host"}
	}

	var port int
	if p := parsedURL.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, &DsnParseError{"invalid port"}
		}
	} else {
		port = s.defaultPort()
	}

	if len(parsedURL.Path) == 0 || parsedURL.Path == "/" {
		return nil, &DsnParseError{"empty project id"}
	}
	pathSegments := strings.Split(parsedURL.Path[1:], "/")
	projectID := pathSegments[len(pathSegments)-1]
	if projectID == "" {
		return nil, &DsnParseError{"empty project id"}
	}

	var path string
	if len(pathSegments) > 1 {
		path = "/" + strings.Join(pathSegments[0:len(pathSegments)-1], "/")
	}

	return &Dsn{
		scheme:    s,
		publicKey: publicKey,
		secretKey: secretKey,
		host:      host,
		port:      port,
		path:      path,
		projectID: projectID,
	}, nil
}

// String formats Dsn struct into a valid string url.
func (dsn Dsn) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s://%s", dsn.scheme, dsn.publicKey)
	if dsn.secretKey != "" {
		fmt.Fprintf(&b, ":%s", dsn.secretKey)
	}
	fmt.Fprintf(&b, "@%s", dsn.host)
	if dsn.port != dsn.scheme.defaultPort() {
		fmt.Fprintf(&b, ":%d", dsn.port)
	}
	b.WriteString(dsn.path)
	fmt.Fprintf(&b, "/%s", dsn.projectID)
	return b.String()
}

// GetPublicKey returns the public key of the DSN.
func (dsn Dsn) GetPublicKey() string {
	return dsn.publicKey
}

// GetSecretKey returns the deprecated secret key of the DSN, if any.
func (dsn Dsn) GetSecretKey() string {
	return dsn.secretKey
}

// GetProjectID returns the project ID of the DSN.
func (dsn Dsn) GetProjectID() string {
	return dsn.projectID
}

// GetAPIURL returns the URL of the envelope endpoint of the project
// associated with the DSN.
func (dsn Dsn) GetAPIURL() *url.URL {
	var b strings.Builder
	fmt.Fprintf(&b, "%s://%s", dsn.scheme, dsn.host)
	if dsn.port != dsn.scheme.defaultPort() {
		fmt.Fprintf(&b, ":%d", dsn.port)
	}
	fmt.Fprintf(&b, "%s/api/%s/envelope/", dsn.path, dsn.projectID)
	u, _ := url.Parse(b.String())
	return u
}

// MarshalJSON converts the Dsn struct to JSON.
func (dsn Dsn) MarshalJSON() ([]byte, error) {
	return json.Marshal(dsn.String())
}

// UnmarshalJSON converts JSON data to the Dsn struct.
func (dsn *Dsn) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	newDsn, err := NewDsn(str)
	if err != nil {
		return err
	}
	*dsn = *newDsn
	return nil
}
