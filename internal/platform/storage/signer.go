package storage

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	iamcredentials "google.golang.org/api/iamcredentials/v1"
	"google.golang.org/api/option"
)

// Signer produces the RSA-SHA256 signature GCS expects on a V4 signed URL.
type Signer interface {
	Email() string
	SignBytes(ctx context.Context, payload []byte) ([]byte, error)
}

var errSignerUnset = errors.New("storage: signer not initialised")

// KeySigner signs with a service account key held in memory. Used locally and wherever a key file
// is mounted.
type KeySigner struct {
	email string
	key   *rsa.PrivateKey
}

// LoadKeySigner reads a service account JSON key file.
func LoadKeySigner(path string) (*KeySigner, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storage: read service account key: %w", err)
	}
	return ParseKeySigner(contents)
}

// ParseKeySigner parses the contents of a service account JSON key.
func ParseKeySigner(data []byte) (*KeySigner, error) {
	var doc struct {
		Type        string `json:"type"`
		ClientEmail string `json:"client_email"`
		PrivateKey  string `json:"private_key"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("storage: decode service account key: %w", err)
	}
	if doc.Type != "" && doc.Type != "service_account" {
		return nil, fmt.Errorf("storage: key type %q cannot sign urls", doc.Type)
	}
	email := strings.TrimSpace(doc.ClientEmail)
	if email == "" {
		return nil, errors.New("storage: service account key has no client_email")
	}
	key, err := decodeRSAKey([]byte(strings.TrimSpace(doc.PrivateKey)))
	if err != nil {
		return nil, err
	}
	return &KeySigner{email: email, key: key}, nil
}

func (s *KeySigner) Email() string {
	if s == nil {
		return ""
	}
	return s.email
}

func (s *KeySigner) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	if s == nil || s.key == nil {
		return nil, errSignerUnset
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest := sha256.Sum256(payload)
	return rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
}

func decodeRSAKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("storage: private_key is not PEM encoded")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		pkcs1, err1 := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err1 != nil {
			return nil, fmt.Errorf("storage: parse private key: %w", errors.Join(err, err1))
		}
		return pkcs1, nil
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("storage: private key is %T, want RSA", parsed)
	}
	return key, nil
}

// IAMSigner signs through the IAM Credentials signBlob API so the runtime service account needs no
// exported key. The caller's identity needs roles/iam.serviceAccountTokenCreator on email.
type IAMSigner struct {
	email string
	sign  func(ctx context.Context, name string, req *iamcredentials.SignBlobRequest) (*iamcredentials.SignBlobResponse, error)
}

// NewIAMSigner builds an IAMSigner for the service account email.
func NewIAMSigner(ctx context.Context, email string, opts ...option.ClientOption) (*IAMSigner, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, errors.New("storage: signer service account email is required")
	}
	svc, err := iamcredentials.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: iam credentials client: %w", err)
	}
	return &IAMSigner{
		email: email,
		sign: func(ctx context.Context, name string, req *iamcredentials.SignBlobRequest) (*iamcredentials.SignBlobResponse, error) {
			return svc.Projects.ServiceAccounts.SignBlob(name, req).Context(ctx).Do()
		},
	}, nil
}

func (s *IAMSigner) Email() string {
	if s == nil {
		return ""
	}
	return s.email
}

func (s *IAMSigner) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	if s == nil || s.sign == nil {
		return nil, errSignerUnset
	}
	resp, err := s.sign(ctx, "projects/-/serviceAccounts/"+s.email, &iamcredentials.SignBlobRequest{
		Payload: base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: sign blob: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(resp.SignedBlob)
	if err != nil {
		return nil, fmt.Errorf("storage: decode signed blob: %w", err)
	}
	return sig, nil
}
