package main

import (
	"fmt"
	"net/http"
	"os"
	"time"
)

// Upstream de teste para o gateway: responde qualquer coisa e loga quem chegou.
// Se o rate limit estiver funcionando, as requisições bloqueadas nunca aparecem aqui.
func main() {
	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	http.HandleFunc("/showTela", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<h1>Tela do Sistema</h1><p>Requisição recebida com sucesso!</p>")
		fmt.Printf("Log: %s acessou /showTela (X-Forwarded-For=%q)\n", r.RemoteAddr, r.Header.Get("X-Forwarded-For"))
	})
	// /lento segura a resposta para testar timeouts e requisições em voo
	http.HandleFunc("/lento", func(w http.ResponseWriter, r *http.Request) {
		d, err := time.ParseDuration(r.URL.Query().Get("d"))
		if err != nil || d <= 0 {
			d = 2 * time.Second
		}
		select {
		case <-time.After(d):
			fmt.Fprintf(w, "respondeu depois de %s\n", d)
		case <-r.Context().Done():
		}
	})
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ok %s %s\n", r.Method, r.URL.Path)
	})

	fmt.Printf("Servidor rodando em http://localhost%s\n", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		fmt.Printf("Erro ao subir o servidor: %s\n", err)
	}
}
