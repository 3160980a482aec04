package sigv4

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/tendant/simple-upload/pkg/simpleupload"
)

// Credentials is a static access key pair.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
}

// ClientConfig addresses an S3-compatible account.
type ClientConfig struct {
	Region      string
	Credentials Credentials
	// Endpoint is required for BackBlaze (e.g. https://s3.us-west-004.backblazeb2.com)
	// and ignored by the other providers.
	Endpoint string
}

// target is where a bucket-level CORS request is addressed for a provider.
type target struct {
	scheme string
	host   string
	uri    string
	query  string
}

func (t target) url() string {
	return t.scheme + "://" + t.host + t.uri + "?" + t.query
}

func resolveTarget(bucket string, cfg ClientConfig, p simpleupload.Provider) (target, error) {
	if bucket == "" {
		return target{}, fmt.Errorf("bucket name is required")
	}
	switch p {
	case simpleupload.ProviderAWS:
		if cfg.Region == "" {
			return target{}, fmt.Errorf("region is required for %s", p)
		}
		return target{
			scheme: "https",
			host:   fmt.Sprintf("%s.s3.%s.amazonaws.com", bucket, cfg.Region),
			uri:    "/",
			query:  "cors=",
		}, nil
	case simpleupload.ProviderDigitalOcean:
		if cfg.Region == "" {
			return target{}, fmt.Errorf("region is required for %s", p)
		}
		return target{
			scheme: "https",
			host:   fmt.Sprintf("%s.%s.digitaloceanspaces.com", bucket, cfg.Region),
			uri:    "/",
			query:  "cors=",
		}, nil
	case simpleupload.ProviderBackBlaze:
		u, err := url.Parse(cfg.Endpoint)
		if err != nil || u.Host == "" {
			return target{}, fmt.Errorf("invalid endpoint %q for %s", cfg.Endpoint, p)
		}
		scheme := u.Scheme
		if scheme == "" {
			scheme = "https"
		}
		return target{
			scheme: scheme,
			host:   u.Host,
			uri:    "/" + bucket + "/",
			query:  "cors=null",
		}, nil
	default:
		return target{}, fmt.Errorf("provider %s does not support SigV4 CORS configuration", p)
	}
}

// CORSURL returns the bucket CORS configuration endpoint for the provider.
func CORSURL(bucket string, cfg ClientConfig, p simpleupload.Provider) (string, error) {
	t, err := resolveTarget(bucket, cfg, p)
	if err != nil {
		return "", err
	}
	// ?cors is sent bare to AWS and DigitalOcean.
	return strings.TrimSuffix(t.url(), "="), nil
}
