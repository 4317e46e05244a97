// Package credvault stores per-user service credentials (card security
// codes, account passwords) sealed with NaCl secretbox. Plaintext never
// touches the database.
package credvault

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("credvault: not found")

type Credential struct {
	ID         uint64 `gorm:"primaryKey"`
	UserPubkey string `gorm:"uniqueIndex:uq_cred_user_service_name;not null"`
	Service    string `gorm:"uniqueIndex:uq_cred_user_service_name;not null"`
	Name       string `gorm:"uniqueIndex:uq_cred_user_service_name;not null"`
	Nonce      []byte `gorm:"not null"`
	Ciphertext []byte `gorm:"not null"`

	CreatedAt time.Time `gorm:"not null;default:now()"`
	UpdatedAt time.Time `gorm:"not null;default:now()"`
}

func (Credential) TableName() string { return "credentials" }

type Vault struct {
	DB  *gorm.DB
	key [32]byte
}

// New builds a vault from a 64-hex-char key.
func New(db *gorm.DB, hexKey string) (*Vault, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil || len(raw) != 32 {
		return nil, errors.New("credvault: key must be 32 bytes hex")
	}
	v := &Vault{DB: db}
	copy(v.key[:], raw)
	return v, nil
}

func seal(key *[32]byte, plaintext string) (nonce, ciphertext []byte, err error) {
	var n [24]byte
	if _, err := rand.Read(n[:]); err != nil {
		return nil, nil, err
	}
	return n[:], secretbox.Seal(nil, []byte(plaintext), &n, key), nil
}

func open(key *[32]byte, nonce, ciphertext []byte) (string, error) {
	if len(nonce) != 24 {
		return "", errors.New("credvault: bad nonce")
	}
	var n [24]byte
	copy(n[:], nonce)
	plain, ok := secretbox.Open(nil, ciphertext, &n, key)
	if !ok {
		return "", errors.New("credvault: open failed")
	}
	return string(plain), nil
}

// Put stores or replaces one named credential.
func (v *Vault) Put(ctx context.Context, pubkey, service, name, value string) error {
	nonce, ct, err := seal(&v.key, value)
	if err != nil {
		return fmt.Errorf("credvault: seal: %w", err)
	}
	c := Credential{
		UserPubkey: pubkey,
		Service:    service,
		Name:       name,
		Nonce:      nonce,
		Ciphertext: ct,
		UpdatedAt:  time.Now(),
	}
	return v.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_pubkey"}, {Name: "service"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"nonce", "ciphertext", "updated_at"}),
	}).Create(&c).Error
}

func (v *Vault) Get(ctx context.Context, pubkey, service, name string) (string, error) {
	var c Credential
	err := v.DB.WithContext(ctx).
		Where("user_pubkey = ? AND service = ? AND name = ?", pubkey, service, name).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return open(&v.key, c.Nonce, c.Ciphertext)
}

// Has reports whether a named credential is on file.
func (v *Vault) Has(ctx context.Context, pubkey, service, name string) (bool, error) {
	var n int64
	err := v.DB.WithContext(ctx).Model(&Credential{}).
		Where("user_pubkey = ? AND service = ? AND name = ?", pubkey, service, name).
		Count(&n).Error
	return n > 0, err
}

// ForService returns every credential on file for one user+service pair.
func (v *Vault) ForService(ctx context.Context, pubkey, service string) (map[string]string, error) {
	var rows []Credential
	err := v.DB.WithContext(ctx).
		Where("user_pubkey = ? AND service = ?", pubkey, service).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, c := range rows {
		val, err := open(&v.key, c.Nonce, c.Ciphertext)
		if err != nil {
			return nil, fmt.Errorf("credvault: %s/%s: %w", service, c.Name, err)
		}
		out[c.Name] = val
	}
	return out, nil
}
