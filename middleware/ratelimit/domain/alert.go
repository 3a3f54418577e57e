package domain

import "time"

// Alert descreve um limite excedido, com o limite efetivo já aplicado em Usage.
type Alert struct {
	ClientAddress string    `json:"clientAddress"`
	Path          string    `json:"path"`
	Method        string    `json:"method"`
	Timestamp     time.Time `json:"timestamp"`
	Usage         Usage     `json:"usage"`
	Key           string    `json:"-"`
}

// NotifyTarget é o destino de uma notificação de limite excedido.
//
// Body, quando definido, substitui o corpo padrão (o próprio Alert).
type NotifyTarget struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`
	Body    func(Alert) any   `yaml:"-"`
}

func (t NotifyTarget) Enabled() bool { return t.URL != "" }
