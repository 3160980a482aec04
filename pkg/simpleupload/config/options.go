package config

import (
	"fmt"
	"time"
)

// WithPort sets the server port
func WithPort(port string) Option {
	return func(c *ServerConfig) error {
		if port == "" {
			return fmt.Errorf("port cannot be empty")
		}
		c.Port = port
		return nil
	}
}

// WithEnvironment sets the environment (development, production, testing)
func WithEnvironment(env string) Option {
	return func(c *ServerConfig) error {
		if env == "" {
			return fmt.Errorf("environment cannot be empty")
		}
		c.Environment = env
		return nil
	}
}

// WithAllowedOrigin sets the origin granted by the CORS bootstrap
func WithAllowedOrigin(origin string, autoCORS bool) Option {
	return func(c *ServerConfig) error {
		c.AllowedOrigin = origin
		c.EnableAutoCORS = autoCORS
		return nil
	}
}

// WithMaxFileSize sets the server cap as a human size, e.g. "100MiB"
func WithMaxFileSize(size string) Option {
	return func(c *ServerConfig) error {
		if _, err := parseSize("max file size", size); err != nil {
			return err
		}
		c.MaxFileSize = size
		return nil
	}
}

// WithAccept sets the accept pattern used when a request has none
func WithAccept(accept string) Option {
	return func(c *ServerConfig) error {
		c.Accept = accept
		return nil
	}
}

// WithExpiry sets the upload URL and public URL validity
func WithExpiry(upload, public time.Duration) Option {
	return func(c *ServerConfig) error {
		if upload <= 0 || public <= 0 {
			return fmt.Errorf("expiry must be positive")
		}
		c.PresignExpiry = upload
		c.PublicURLExpiry = public
		return nil
	}
}

// WithAWS enables the AWS S3 provider
func WithAWS(bucket, region, accessKeyID, secretAccessKey string) Option {
	return func(c *ServerConfig) error {
		if bucket == "" {
			return fmt.Errorf("AWS bucket cannot be empty")
		}
		c.AWS.Bucket = bucket
		c.AWS.Region = region
		c.AWS.AccessKeyID = accessKeyID
		c.AWS.SecretAccessKey = secretAccessKey
		return nil
	}
}

// WithBackBlaze enables the BackBlaze B2 provider
func WithBackBlaze(bucket, endpoint, keyID, applicationKey string) Option {
	return func(c *ServerConfig) error {
		if bucket == "" {
			return fmt.Errorf("B2 bucket cannot be empty")
		}
		c.BackBlaze.Bucket = bucket
		c.BackBlaze.Endpoint = endpoint
		c.BackBlaze.KeyID = keyID
		c.BackBlaze.ApplicationKey = applicationKey
		return nil
	}
}

// WithDigitalOcean enables the DigitalOcean Spaces provider
func WithDigitalOcean(bucket, region, key, secret string) Option {
	return func(c *ServerConfig) error {
		if bucket == "" {
			return fmt.Errorf("Spaces bucket cannot be empty")
		}
		c.DigitalOcean = DigitalOceanConfig{Bucket: bucket, Region: region, Key: key, Secret: secret}
		return nil
	}
}

// WithAzure enables the Azure Blob provider
func WithAzure(account, container, tenantID, clientID, clientSecret string) Option {
	return func(c *ServerConfig) error {
		if account == "" {
			return fmt.Errorf("Azure storage account cannot be empty")
		}
		c.Azure.Account = account
		c.Azure.Container = container
		c.Azure.TenantID = tenantID
		c.Azure.ClientID = clientID
		c.Azure.ClientSecret = clientSecret
		return nil
	}
}

// WithLocalStorage enables the in-process store at baseURL
func WithLocalStorage(baseURL, secret string) Option {
	return func(c *ServerConfig) error {
		c.Local.Enabled = true
		if baseURL != "" {
			c.Local.BaseURL = baseURL
		}
		c.Local.SignatureSecret = secret
		return nil
	}
}
