package cloudbackend

import (
	"crypto/rsa"
	"crypto/x509"
	"fmt"
)

// marshalPKCS1PublicKey returns the DER encoding AWS hashes to produce its
// MD5 keypair fingerprint (as opposed to OpenSSH's wire-format hash). Only
// RSA keys have a PKCS#1 representation; any other key type yields an error,
// which callers treat as "AWS-style fingerprint unavailable".
func marshalPKCS1PublicKey(pub interface{}) ([]byte, error) {
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("cloudbackend: key type %T has no PKCS#1 fingerprint", pub)
	}
	return x509.MarshalPKCS1PublicKey(rsaPub), nil
}
