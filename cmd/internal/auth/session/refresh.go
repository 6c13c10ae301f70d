package session

import "finlearn/cmd/security/token"

// ServiceOption configures optional Service behavior.
type ServiceOption func(*Service)

// WithRefreshHasher sets how refresh tokens are hashed before storage.
// The default is token.FromEnv(false).
func WithRefreshHasher(h token.Hasher) ServiceOption {
	return func(s *Service) { s.hasher = h }
}

func (s *Service) newRefreshToken() (plain, hashHex string, err error) {
	plain, err = token.NewOpaque(s.cfg.RefreshTokenBytes)
	if err != nil {
		return "", "", err
	}
	return plain, s.hasher.Hash(plain), nil
}
