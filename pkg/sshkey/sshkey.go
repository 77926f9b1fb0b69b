// Package sshkey generates the throwaway keypair used to authenticate
// against the inspection pod's sshd. The keypair lives only as long as the
// session: the public half is injected into the pod's environment, the
// private half is written to a temp file for sshfs and discarded afterwards.
package sshkey

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"io/ioutil"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/kelda/pvc-inspect/pkg/errors"
)

const keyBits = 3072

// Generate creates a fresh RSA keypair, returning the private key in PEM
// form and the public key in authorized_keys form.
func Generate() (privateKeyPEM []byte, authorizedKey string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, "", errors.WithContext("generate key", err)
	}

	privateKeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	publicKey, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		return nil, "", errors.WithContext("encode public key", err)
	}

	authorizedKey = strings.TrimSpace(string(ssh.MarshalAuthorizedKey(publicKey)))
	return privateKeyPEM, authorizedKey, nil
}

// WriteTemp writes the private key to a temp file readable only by the
// current user, and returns its path along with a cleanup function.
func WriteTemp(privateKeyPEM []byte) (string, func(), error) {
	keyFile, err := ioutil.TempFile("", "pvc-inspect-key-")
	if err != nil {
		return "", nil, errors.WithContext("create key file", err)
	}

	cleanup := func() {
		_ = os.Remove(keyFile.Name())
	}

	if err := keyFile.Chmod(0600); err != nil {
		keyFile.Close()
		cleanup()
		return "", nil, errors.WithContext("restrict key file permissions", err)
	}

	if _, err := keyFile.Write(privateKeyPEM); err != nil {
		keyFile.Close()
		cleanup()
		return "", nil, errors.WithContext("write key file", err)
	}

	if err := keyFile.Close(); err != nil {
		cleanup()
		return "", nil, errors.WithContext("close key file", err)
	}

	return keyFile.Name(), cleanup, nil
}
