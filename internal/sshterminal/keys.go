package sshterminal

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

const (
	privateKeyFile = "ssh_key"
	publicKeyFile  = "ssh_key.pub"
)

// GenerateKeyPair generates an ED25519 key pair and returns the
// OpenSSH-format public key and the PEM-encoded private key.
func GenerateKeyPair() (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	privateKeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privBytes,
	})

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	return ssh.MarshalAuthorizedKey(sshPub), privateKeyPEM, nil
}

// LoadSigner reads a PEM private key file.
func LoadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// EnsureKeyPair loads the relay's SSH identity from dir, generating and
// saving one on first use. The public key is returned in authorized_keys
// format so operators can install it on target hosts.
func EnsureKeyPair(dir string) (ssh.Signer, string, error) {
	privPath := filepath.Join(dir, privateKeyFile)
	pubPath := filepath.Join(dir, publicKeyFile)

	if _, err := os.Stat(privPath); err == nil {
		signer, err := LoadSigner(privPath)
		if err != nil {
			return nil, "", err
		}
		return signer, string(ssh.MarshalAuthorizedKey(signer.PublicKey())), nil
	}

	pub, priv, err := GenerateKeyPair()
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, "", fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(privPath, priv, 0600); err != nil {
		return nil, "", fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, pub, 0644); err != nil {
		return nil, "", fmt.Errorf("write public key: %w", err)
	}
	log.Printf("[ssh] generated key pair in %s", dir)

	signer, err := ssh.ParsePrivateKey(priv)
	if err != nil {
		return nil, "", fmt.Errorf("parse private key: %w", err)
	}
	return signer, string(pub), nil
}
