// Package application contém os casos de uso do rate limit: a decisão
// allow/deny sobre o contador e a resolução da configuração por rota.
//
// Ele depende apenas do pacote domain e não conhece net/http.
// Ex.: Service.Decide(ctx, key, limit, window) retorna uma Decision
// (allow/deny + retry-after) e Resolve(global, routes, path) a configuração efetiva.
package application
