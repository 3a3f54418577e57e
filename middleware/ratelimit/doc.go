// Package ratelimit fornece o adapter HTTP (net/http) do rate limit.
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos do domínio (sem dependência de net/http)
//   - application: casos de uso (decisão allow/deny, resolução de rotas) sem net/http
//   - infra: stores de contagem (memória, Redis, MongoDB, SQL, REST na borda), notifier e stats
//   - ratelimit (este pacote): middleware HTTP + extração de chave + tradução para status/headers
//
// Fluxo por requisição:
//
//  1. Resolve a configuração efetiva (global + no máximo uma rota)
//  2. Skip opcional: segue direto, sem contar e sem headers
//  3. Deriva a chave (KeyFunc ou IP + path) e o limite (LimitFunc ou Limit)
//  4. Incrementa o contador no store e compara com o limite
//  5. Permitido: escreve X-RateLimit-* e chama o próximo handler
//  6. Bloqueado: notifica, chama OnLimitReached e responde 429 com Retry-After
//
// Qualquer erro entre os passos 1 e 4 é fail-open: o próximo handler é chamado
// sem contagem e sem headers, e o erro vai só para o log.
package ratelimit
