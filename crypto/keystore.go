package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

// keystoreFile is the on-disk, password-protected encoding of a signing
// key, used by the spindle service to protect its reporter key at rest.
type keystoreFile struct {
	PubKey     string `json:"pub_key"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	CipherText string `json:"cipher_text"`
}

// SaveKey encrypts priv with password and writes it to path.
func SaveKey(path, password string, priv PrivateKey) error {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return err
	}
	key := deriveKeystoreKey(password, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}
	cipherText := gcm.Seal(nil, nonce, priv[:], nil)

	ks := keystoreFile{
		PubKey:     priv.Public().Hex(),
		Salt:       hex.EncodeToString(salt),
		Nonce:      hex.EncodeToString(nonce),
		CipherText: hex.EncodeToString(cipherText),
	}
	data, err := json.MarshalIndent(ks, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// LoadKey decrypts the keystore at path using password.
func LoadKey(path, password string) (PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PrivateKey{}, err
	}
	var ks keystoreFile
	if err := json.Unmarshal(data, &ks); err != nil {
		return PrivateKey{}, err
	}
	salt, err := hex.DecodeString(ks.Salt)
	if err != nil {
		return PrivateKey{}, err
	}
	nonce, err := hex.DecodeString(ks.Nonce)
	if err != nil {
		return PrivateKey{}, err
	}
	cipherText, err := hex.DecodeString(ks.CipherText)
	if err != nil {
		return PrivateKey{}, err
	}

	key := deriveKeystoreKey(password, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return PrivateKey{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return PrivateKey{}, err
	}
	privBytes, err := gcm.Open(nil, nonce, cipherText, nil)
	if err != nil {
		return PrivateKey{}, errors.New("wrong password or corrupted keystore")
	}
	return PrivKeyFromHex(hex.EncodeToString(privBytes))
}

func deriveKeystoreKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, 210_000, 32, sha256.New)
}
