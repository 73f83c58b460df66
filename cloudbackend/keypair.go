package cloudbackend

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// LocalFingerprints computes both fingerprint conventions for the public key
// half of privateKeyPath, recovered from original_source/backends/ec2boto.py:
// the OpenSSH convention (MD5 of the raw SSH wire-format public key blob) and
// the AWS convention (MD5 of the raw PKCS#1 DER public key). A passphrase-
// protected key is accepted without a remote comparison — the caller is
// assumed to rely on a running agent instead (spec.md §4.5's keypair
// verification paragraph).
func LocalFingerprints(ctx context.Context, privateKeyPath string) (KeypairFingerprints, bool, error) {
	keyBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return KeypairFingerprints{}, false, fmt.Errorf("cloudbackend: read key %s: %w", privateKeyPath, err)
	}

	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		if _, ok := err.(*ssh.PassphraseMissingError); ok {
			if agentSigner, ok := agentSignerFor(privateKeyPath); ok {
				return fingerprintsFromPublicKey(agentSigner.PublicKey()), true, nil
			}
			return KeypairFingerprints{}, false, nil
		}
		return KeypairFingerprints{}, false, fmt.Errorf("cloudbackend: parse key %s: %w", privateKeyPath, err)
	}

	return fingerprintsFromPublicKey(signer.PublicKey()), true, nil
}

func agentSignerFor(privateKeyPath string) (ssh.Signer, bool) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, false
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, false
	}
	defer conn.Close()
	ag := agent.NewClient(conn)
	signers, err := ag.Signers()
	if err != nil || len(signers) == 0 {
		return nil, false
	}
	return signers[0], true
}

func fingerprintsFromPublicKey(pub ssh.PublicKey) KeypairFingerprints {
	wireBlob := pub.Marshal()
	opensshSum := md5.Sum(wireBlob)

	var awsFP string
	if cryptoPub, ok := pub.(ssh.CryptoPublicKey); ok {
		if der, err := marshalPKCS1PublicKey(cryptoPub.CryptoPublicKey()); err == nil {
			sum := md5.Sum(der)
			awsFP = colonHex(sum[:])
		}
	}

	return KeypairFingerprints{
		OpenSSH: colonHex(opensshSum[:]),
		AWS:     awsFP,
	}
}

func colonHex(b []byte) string {
	h := hex.EncodeToString(b)
	var out []byte
	for i := 0; i < len(h); i += 2 {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, h[i], h[i+1])
	}
	return string(out)
}

// VerifyRemoteKeypair implements spec.md §4.5's hard-fail rule: if the
// remote keypair already exists, its fingerprints (checked both ways) must
// match the local private key; a mismatch is always fatal, never silently
// overwritten.
func VerifyRemoteKeypair(ctx context.Context, p Provider, keypairName, privateKeyPath string) error {
	local, haveLocal, err := LocalFingerprints(ctx, privateKeyPath)
	if err != nil {
		return err
	}

	remote, exists, err := p.RemoteKeypairFingerprints(ctx, keypairName)
	if err != nil {
		return fmt.Errorf("cloudbackend: fetch remote keypair %s: %w", keypairName, err)
	}
	if !exists {
		if !haveLocal {
			return fmt.Errorf("cloudbackend: keypair %s absent remotely and local key needs a passphrase/agent", keypairName)
		}
		pubPath := privateKeyPath + ".pub"
		return p.ImportKeypair(ctx, keypairName, pubPath)
	}
	if !haveLocal {
		// passphrase-protected local key with no agent match: accepted
		// without comparison per spec.md §4.5.
		return nil
	}
	if local.OpenSSH != remote.OpenSSH && local.AWS != remote.AWS {
		return fmt.Errorf("cloudbackend: keypair %s fingerprint mismatch (openssh local=%s remote=%s, aws local=%s remote=%s)",
			keypairName, local.OpenSSH, remote.OpenSSH, local.AWS, remote.AWS)
	}
	return nil
}
