package etl

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/tidwall/gjson"
)

const (
	maxRegistrationSize   = 1 << 20
	registrationCacheSize = 4096
)

type Endpoint struct {
	Name     string
	Endpoint string
}

// RegistrationFile is the off-chain document an agent URI points at.
type RegistrationFile struct {
	Name            string
	Description     string
	Image           string
	Active          *bool
	Endpoints       []Endpoint
	SupportedTrusts []string
}

// fillFrom copies values from other where r has none. Indexed values win.
func (r RegistrationFile) fillFrom(other *RegistrationFile) RegistrationFile {
	if other == nil {
		return r
	}
	if r.Name == "" {
		r.Name = other.Name
	}
	if r.Description == "" {
		r.Description = other.Description
	}
	if r.Image == "" {
		r.Image = other.Image
	}
	if r.Active == nil {
		r.Active = other.Active
	}
	if len(r.Endpoints) == 0 {
		r.Endpoints = other.Endpoints
	}
	if len(r.SupportedTrusts) == 0 {
		r.SupportedTrusts = other.SupportedTrusts
	}
	return r
}

func parseRegistration(doc gjson.Result) *RegistrationFile {
	reg := &RegistrationFile{
		Name:        doc.Get("name").String(),
		Description: doc.Get("description").String(),
		Image:       doc.Get("image").String(),
	}
	if a := doc.Get("active"); a.Exists() && a.Type != gjson.Null {
		active := a.Bool()
		reg.Active = &active
	}
	doc.Get("endpoints").ForEach(func(_, e gjson.Result) bool {
		if ep := e.Get("endpoint").String(); ep != "" {
			reg.Endpoints = append(reg.Endpoints, Endpoint{Name: e.Get("name").String(), Endpoint: ep})
		}
		return true
	})
	trusts := doc.Get("supportedTrust")
	if !trusts.Exists() {
		trusts = doc.Get("supportedTrusts")
	}
	trusts.ForEach(func(_, t gjson.Result) bool {
		if s := t.String(); s != "" {
			reg.SupportedTrusts = append(reg.SupportedTrusts, s)
		}
		return true
	})
	return reg
}

// RegistrationFetcher resolves agent URIs. Parsed files are cached per URI
// for cacheTTL so a changed document is picked up by a later pass.
type RegistrationFetcher struct {
	client  *http.Client
	gateway string
	timeout time.Duration
	cache   *expirable.LRU[string, *RegistrationFile]
}

func NewRegistrationFetcher(gateway string, timeout, cacheTTL time.Duration, client *http.Client) *RegistrationFetcher {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	if gateway != "" && !strings.HasSuffix(gateway, "/") {
		gateway += "/"
	}
	return &RegistrationFetcher{
		client:  client,
		gateway: gateway,
		timeout: timeout,
		cache:   expirable.NewLRU[string, *RegistrationFile](registrationCacheSize, nil, cacheTTL),
	}
}

func (f *RegistrationFetcher) Fetch(ctx context.Context, uri string) (*RegistrationFile, error) {
	if reg, ok := f.cache.Get(uri); ok {
		return reg, nil
	}

	body, err := f.load(ctx, uri)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("registration file is not valid JSON")
	}
	reg := parseRegistration(gjson.ParseBytes(body))

	f.cache.Add(uri, reg)
	return reg, nil
}

func (f *RegistrationFetcher) load(ctx context.Context, uri string) ([]byte, error) {
	switch {
	case strings.HasPrefix(uri, "data:"):
		return decodeDataURI(uri)
	case strings.HasPrefix(uri, "ipfs://"):
		if f.gateway == "" {
			return nil, errors.New("ipfs uri without a configured gateway")
		}
		return f.get(ctx, f.gateway+strings.TrimPrefix(strings.TrimPrefix(uri, "ipfs://"), "ipfs/"))
	case strings.HasPrefix(uri, "https://"), strings.HasPrefix(uri, "http://"):
		return f.get(ctx, uri)
	default:
		return nil, fmt.Errorf("unsupported uri scheme in %q", uri)
	}
}

func (f *RegistrationFetcher) get(ctx context.Context, target string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", target, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxRegistrationSize))
}

func decodeDataURI(uri string) ([]byte, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return nil, errors.New("malformed data uri")
	}
	if strings.HasSuffix(meta, ";base64") {
		return base64.StdEncoding.DecodeString(payload)
	}
	decoded, err := url.PathUnescape(payload)
	if err != nil {
		return nil, err
	}
	return []byte(decoded), nil
}
