// auth.go — JWT middleware аутентификации.
// Извлекает из токена стабильный идентификатор пользователя (sub) и,
// если есть, адрес кошелька (claim wallet_address). Подпись проверяется
// по JWKS identity-провайдера. Аутентификация опциональна: без JWKS URL
// middleware не подключается, владелец берётся из параметров запроса
// (dev-режим, см. handlers).
package middleware

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/vitavault/vitavault/internal/api/errors"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

// ContextKeyIdentity — аутентифицированная идентичность в контексте запроса.
const ContextKeyIdentity contextKey = "identity"

// Identity — аутентифицированный субъект запроса.
type Identity struct {
	// UserID — стабильный идентификатор пользователя (sub из JWT)
	UserID string
	// Wallet — адрес кошелька из claim wallet_address; пустая строка,
	// если кошелёк ещё не создан
	Wallet string
	// Email — email из JWT
	Email string
}

// IdentityFromContext возвращает идентичность запроса.
// (nil, false) — запрос прошёл без аутентификации.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(ContextKeyIdentity).(*Identity)
	return id, ok
}

// vaultClaims — raw claims из JWT identity-провайдера.
type vaultClaims struct {
	jwt.RegisteredClaims
	// WalletAddress — адрес кошелька пользователя
	WalletAddress string `json:"wallet_address,omitempty"`
	// Email — электронная почта
	Email string `json:"email,omitempty"`
}

// JWTAuth — middleware для JWT-аутентификации через JWKS.
type JWTAuth struct {
	jwks   keyfunc.Keyfunc
	logger *slog.Logger
}

// NewJWTAuth создаёт JWT middleware с JWKS identity-провайдера.
// jwksURL — URL к JWKS endpoint.
// caCertPath — опциональный путь к CA-сертификату для TLS.
func NewJWTAuth(jwksURL, caCertPath string, logger *slog.Logger) (*JWTAuth, error) {
	httpClient := &http.Client{Timeout: 10 * time.Second}
	if caCertPath != "" {
		var err error
		httpClient, err = httpClientWithCA(caCertPath, 10*time.Second)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата %s: %w", caCertPath, err)
		}
		logger.Info("CA-сертификат для JWKS добавлен в пул доверия",
			slog.String("ca_cert", caCertPath),
		)
	}

	// JWKS Storage с фоновым обновлением.
	// NoErrorReturnFirstHTTPReq — стартуем даже если провайдер ещё недоступен.
	storage, err := jwkset.NewStorageFromHTTP(jwksURL, jwkset.HTTPClientStorageOptions{
		Client:                    httpClient,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           time.Hour,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", jwksURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{
		Storage: storage,
	})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	return &JWTAuth{
		jwks:   k,
		logger: logger.With(slog.String("component", "jwt_auth")),
	}, nil
}

// httpClientWithCA создаёт HTTP-клиент с кастомным CA-сертификатом.
func httpClientWithCA(caCertPath string, timeout time.Duration) (*http.Client, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, err
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	caCertPool.AppendCertsFromPEM(caCert)

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				RootCAs: caCertPool,
			},
		},
	}, nil
}

// Middleware возвращает HTTP middleware для JWT-аутентификации.
// Извлекает Bearer token, валидирует подпись, помещает Identity в контекст.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apierrors.Unauthorized(w, "Отсутствует заголовок Authorization")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				apierrors.Unauthorized(w, "Неверный формат Authorization: ожидается Bearer <token>")
				return
			}

			claims := &vaultClaims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, j.jwks.Keyfunc,
				jwt.WithValidMethods([]string{"RS256", "ES256"}),
				jwt.WithLeeway(30*time.Second),
			)
			if err != nil || !token.Valid {
				j.logger.Warn("Невалидный JWT", slog.String("error", fmt.Sprint(err)))
				apierrors.Unauthorized(w, "Недействительный токен")
				return
			}
			if claims.Subject == "" {
				apierrors.Unauthorized(w, "Токен без идентификатора субъекта")
				return
			}

			identity := &Identity{
				UserID: claims.Subject,
				Wallet: claims.WalletAddress,
				Email:  claims.Email,
			}
			ctx := context.WithValue(r.Context(), ContextKeyIdentity, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
