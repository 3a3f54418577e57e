package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingClient indica que o backend escolhido não recebeu cliente nem
	// configuração de conexão.
	ErrMissingClient = errors.New("missing backend client")

	// ErrMalformedReply indica que não foi possível extrair um número da
	// resposta do backend.
	ErrMalformedReply = errors.New("malformed backend reply")
)

// ConfigError é fatal no setup e nunca é adiado para o momento da requisição.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config error: %s: %s: %v", e.Field, e.Message, e.Err)
	}
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Message)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// StoreError embrulha qualquer falha de chamada ao backend (rede, protocolo,
// resposta malformada). Janela expirada não é erro.
type StoreError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func NewStoreError(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Backend: backend, Op: op, Err: err}
}

func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
