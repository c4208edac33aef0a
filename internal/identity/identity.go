// Package identity resolves the ndn.Signer the fetch engine uses to
// sign outgoing register-ack and confirm-ack Data packets, following
// the upstream stack's own signer collaborator pattern (see
// std/engine/basic.Engine's mgmtConf, which is built around a single
// injected signer).
package identity

import (
	"database/sql"
	"encoding/pem"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"
	enc "github.com/named-data/ndnd/std/encoding"
	"github.com/named-data/ndnd/std/ndn"
	spec "github.com/named-data/ndnd/std/ndn/spec_2022"
	sig "github.com/named-data/ndnd/std/security/signer"
	"github.com/named-data/ndnd/std/types/optional"

	"github.com/named-data/dsu/internal/config"
	"github.com/named-data/dsu/internal/objcache"
)

// Resolve returns a signer for identityName according to cfg.Signing:
//
//   - PIBSqlite set: looks up (or provisions, on first run) a durable
//     Ed25519 signing key for identityName in a sqlite-backed store.
//   - Key set: parses a PEM-encoded PKCS#8 Ed25519 secret key from that
//     file.
//   - Neither set: falls back to the stack's own zero-config
//     development signer, sig.NewSha256Signer(), matching
//     std/engine/basic.NewEngine's own default mgmt signer.
func Resolve(identityName enc.Name, cfg config.Signing) (ndn.Signer, error) {
	switch {
	case cfg.PIBSqlite != "":
		return resolveFromSqlite(identityName, cfg.PIBSqlite)
	case cfg.Key != "":
		return resolveFromPEM(identityName, cfg.Key)
	default:
		return sig.NewSha256Signer(), nil
	}
}

func resolveFromPEM(identityName enc.Name, path string) (ndn.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read signing key %s: %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("identity: %s is not a PEM file", path)
	}
	return sig.ParseEd25519(KeyName(identityName), block.Bytes)
}

// KeyName derives the conventional NDN key name <identity>/KEY/<key-id>
// from an identity name (see std/security.MakeKeyName). This DSU
// provisions a single "default" key per identity.
func KeyName(identityName enc.Name) enc.Name {
	name := make(enc.Name, 0, len(identityName)+2)
	name = append(name, identityName...)
	name = append(name, enc.NewKeywordComponent("KEY"), enc.NewGenericComponent("default"))
	return name
}

// CertName derives the DSU's self-signed certificate name,
// <identity>/KEY/default/self/<version>, following the conventional
// NDN certificate name grammar (<key-name>/<issuer-id>/<version>) with
// "self" as the issuer-id for a self-signed certificate.
func CertName(identityName enc.Name) enc.Name {
	name := make(enc.Name, 0, len(identityName)+4)
	name = append(name, KeyName(identityName)...)
	name = append(name, enc.NewGenericComponent("self"), enc.NewVersionComponent(1))
	return name
}

// EnsureCertificate returns a self-signed certificate Data packet for
// identityName wrapping signer's public key, consulting cache first
// and persisting a freshly minted one on first run. This is objcache's
// first role (SPEC_FULL.md §4.7): a durable backing store for the
// DSU's own keychain certificate.
func EnsureCertificate(cache *objcache.Cache, identityName enc.Name, signer ndn.Signer) (enc.Wire, error) {
	certName := CertName(identityName)
	if wire, ok := cache.GetCert(certName); ok {
		return enc.Wire{wire}, nil
	}

	pub, err := signer.Public()
	if err != nil {
		return nil, fmt.Errorf("identity: export public key for %s: %w", identityName, err)
	}
	data, err := spec.Spec{}.MakeData(certName,
		&ndn.DataConfig{ContentType: optional.Some(ndn.ContentTypeBlob)},
		enc.Wire{pub}, signer)
	if err != nil {
		return nil, fmt.Errorf("identity: self-sign certificate for %s: %w", identityName, err)
	}

	wire := data.Wire.Join()
	if err := cache.PutCert(certName, wire); err != nil {
		return nil, fmt.Errorf("identity: persist certificate for %s: %w", identityName, err)
	}
	return enc.Wire{wire}, nil
}

// resolveFromSqlite looks up a durably-stored Ed25519 key for
// identityName, provisioning one on first run. It uses a minimal
// single-table schema rather than the upstream stack's full
// identity/key/certificate PIB schema (std/security/pib), because that
// schema's companion TPM only supports RSA/ECC key material today — its
// own GetSigner leaves Ed25519 as a TODO. A flat table of
// (key-name, PKCS8 DER bytes) is enough for the DSU's one
// self-signing-only use case and keeps mattn/go-sqlite3 doing real
// work: durable storage of the process's signing key across restarts.
func resolveFromSqlite(identityName enc.Name, path string) (ndn.Signer, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("identity: open sqlite PIB %s: %w", path, err)
	}
	defer db.Close()

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS signing_keys (
		key_name TEXT PRIMARY KEY,
		key_bits BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("identity: init schema: %w", err)
	}

	keyName := KeyName(identityName)
	keyNameURI := keyName.String()

	var bits []byte
	err = db.QueryRow(`SELECT key_bits FROM signing_keys WHERE key_name = ?`, keyNameURI).Scan(&bits)
	switch {
	case err == sql.ErrNoRows:
		return provisionSqliteKey(db, keyName, keyNameURI)
	case err != nil:
		return nil, fmt.Errorf("identity: query signing key: %w", err)
	default:
		return sig.ParseEd25519(keyName, bits)
	}
}

func provisionSqliteKey(db *sql.DB, keyName enc.Name, keyNameURI string) (ndn.Signer, error) {
	signer, err := sig.KeygenEd25519(keyName)
	if err != nil {
		return nil, fmt.Errorf("identity: keygen for %s: %w", keyName, err)
	}
	secreter, ok := signer.(interface{ Secret() ([]byte, error) })
	if !ok {
		return nil, fmt.Errorf("identity: signer for %s cannot export its secret", keyName)
	}
	bits, err := secreter.Secret()
	if err != nil {
		return nil, fmt.Errorf("identity: export secret for %s: %w", keyName, err)
	}
	if _, err := db.Exec(`INSERT INTO signing_keys (key_name, key_bits) VALUES (?, ?)`, keyNameURI, bits); err != nil {
		return nil, fmt.Errorf("identity: persist signing key: %w", err)
	}
	return signer, nil
}
