package domain

import (
	"fmt"
	"strings"
)

// Strategy identifica o algoritmo de contagem configurado.
//
// Todos os backends implementam apenas janela fixa; os demais valores são
// aceitos na configuração mas não alteram a contagem.
type Strategy string

const (
	StrategyFixedWindow   Strategy = "fixed-window"
	StrategySlidingWindow Strategy = "sliding-window"
	StrategyTokenBucket   Strategy = "token-bucket"
)

func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case "":
		return StrategyFixedWindow, nil
	case StrategyFixedWindow, StrategySlidingWindow, StrategyTokenBucket:
		return st, nil
	default:
		return "", &ConfigError{Field: "strategy", Message: fmt.Sprintf("unknown strategy %q", s)}
	}
}

// Counted reporta se a estratégia é de fato aplicada pelos backends.
func (s Strategy) Counted() bool {
	return s == "" || s == StrategyFixedWindow
}
