// Package control exposes the administrative surface over HTTP: domain
// mappings, the upstream address and the enabled flag.
package control

import (
	"encoding/json"
	"net/http"
	"net/netip"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/devdns/devdns/logging"
	"github.com/devdns/devdns/resolver"
)

type API struct {
	state  *resolver.State
	log    zerolog.Logger
	router *mux.Router
}

type domainEntry struct {
	Domain string `json:"domain"`
	Addr   string `json:"addr"`
}

func NewAPI(state *resolver.State) *API {
	a := &API{
		state:  state,
		log:    logging.WithComponent("control"),
		router: mux.NewRouter(),
	}

	a.router.HandleFunc("/domains", a.handleListDomains).Methods(http.MethodGet)
	a.router.HandleFunc("/domains", a.handleAddDomain).Methods(http.MethodPost)
	a.router.HandleFunc("/domains/count", a.handleCount).Methods(http.MethodGet)
	a.router.HandleFunc("/domains/clear", a.handleClear).Methods(http.MethodPost)
	a.router.HandleFunc("/domains/{domain}", a.handleRemoveDomain).Methods(http.MethodDelete)
	a.router.HandleFunc("/upstream", a.handleGetUpstream).Methods(http.MethodGet)
	a.router.HandleFunc("/upstream", a.handleSetUpstream).Methods(http.MethodPut)
	a.router.HandleFunc("/enabled", a.handleGetEnabled).Methods(http.MethodGet)
	a.router.HandleFunc("/enabled", a.handleSetEnabled).Methods(http.MethodPut)

	return a
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn().Err(err).Msg("writing response")
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}

func (a *API) handleListDomains(w http.ResponseWriter, r *http.Request) {
	entries, err := a.state.ListDomains(r.Context())
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]domainEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, domainEntry{Domain: e.Domain, Addr: e.Addr.String()})
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *API) handleAddDomain(w http.ResponseWriter, r *http.Request) {
	var in domainEntry
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if in.Domain == "" {
		a.writeError(w, http.StatusBadRequest, "domain is required")
		return
	}

	addr, err := netip.ParseAddr(in.Addr)
	if err != nil || !addr.Is4() {
		a.writeError(w, http.StatusBadRequest, "addr must be an IPv4 address")
		return
	}

	if err := a.state.AddDomain(r.Context(), in.Domain, addr); err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRemoveDomain(w http.ResponseWriter, r *http.Request) {
	domain := mux.Vars(r)["domain"]
	if err := a.state.RemoveDomain(r.Context(), domain); err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCount(w http.ResponseWriter, r *http.Request) {
	n, err := a.state.CountDomains(r.Context())
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]int64{"count": n})
}

func (a *API) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := a.state.ClearDomains(r.Context()); err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGetUpstream(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"upstream": a.state.Upstream().String()})
}

func (a *API) handleSetUpstream(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Upstream string `json:"upstream"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	addr, err := netip.ParseAddrPort(in.Upstream)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "upstream must be a host:port address")
		return
	}

	a.state.SetUpstream(addr)
	a.log.Info().Stringer("upstream", addr).Msg("upstream changed")
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGetEnabled(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]bool{"enabled": a.state.Enabled()})
}

func (a *API) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	a.state.SetEnabled(in.Enabled)
	a.log.Info().Bool("enabled", in.Enabled).Msg("local resolution toggled")
	w.WriteHeader(http.StatusNoContent)
}
