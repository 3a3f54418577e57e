package application

import (
	"strings"

	"dario.cat/mergo"
)

// Route associa um padrão de rota a uma configuração parcial.
//
// Padrões aceitos: caminho exato, "*" (qualquer rota) e prefixo terminado em "/*".
type Route[T any] struct {
	Pattern string
	Config  T
}

// MatchRoute escolhe no máximo uma rota para path.
//
// Caminho exato sempre vence. Sem exato, vale a primeira entrada (na ordem do
// slice) que seja "*" ou um prefixo "/*" compatível: posição vence especificidade.
func MatchRoute[T any](routes []Route[T], path string) (int, bool) {
	for i, rt := range routes {
		if rt.Pattern == path {
			return i, true
		}
	}
	for i, rt := range routes {
		if matchWildcard(rt.Pattern, path) {
			return i, true
		}
	}
	return -1, false
}

func matchWildcard(pattern, path string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, "/*") {
		return false
	}
	return strings.HasPrefix(path, strings.TrimSuffix(pattern, "*"))
}

// Merge aplica override sobre base sem alterar nenhum dos dois.
//
// Campos escalares e funções substituem; structs e maps aninhados são mesclados
// chave a chave; slices são substituídos por inteiro. Valores zero em override
// não apagam o valor de base.
func Merge[T any](base, override T) (T, error) {
	var out T
	if err := mergo.Merge(&out, base, mergo.WithOverride); err != nil {
		return out, err
	}
	if err := mergo.Merge(&out, override, mergo.WithOverride); err != nil {
		return out, err
	}
	return out, nil
}

// Resolve calcula a configuração efetiva de path: global + a rota escolhida.
func Resolve[T any](global T, routes []Route[T], path string) (T, error) {
	i, ok := MatchRoute(routes, path)
	if !ok {
		return global, nil
	}
	return Merge(global, routes[i].Config)
}
