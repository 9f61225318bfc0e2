package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var ErrAuthFailed = errors.New("authentication failed")

// キオスクUI向けのローカルAPI認証。アカウントDBは持たず、
// プロビジョニング時に設定ファイルへ入れたキオスク資格情報と突き合わせる。

type Service struct {
	secret     []byte // ローカルAPIのJWT署名鍵
	kioskID    string
	kioskHash  []byte // キオスクシークレットのbcryptハッシュ
	sessionTTL time.Duration
}

func NewService(secret []byte, kioskID string, kioskHash []byte) *Service {
	return &Service{
		secret:     secret,
		kioskID:    kioskID,
		kioskHash:  kioskHash,
		sessionTTL: 24 * time.Hour,
	}
}

func (s *Service) Secret() []byte {
	return s.secret
}

// Login: キオスクID＋シークレットを検証してローカルAPIトークンを発行
func (s *Service) Login(id, secret string) (string, error) {
	if id != s.kioskID {
		return "", ErrAuthFailed
	}
	if err := bcrypt.CompareHashAndPassword(s.kioskHash, []byte(secret)); err != nil {
		return "", ErrAuthFailed
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  id,
		"role": "kiosk",
		"exp":  time.Now().Add(s.sessionTTL).Unix(),
	})
	return token.SignedString(s.secret)
}
