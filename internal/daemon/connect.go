package daemon

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ConnectURL is the address printed for the mobile client. An IP override
// yields http://ip:port; a domain yields https://domain and assumes a TLS
// proxy in front; no override falls back to the first non-loopback address.
func ConnectURL(hostOverride string, port int) string {
	host := strings.TrimSpace(hostOverride)
	if host == "" {
		return "http://" + net.JoinHostPort(localIP(), strconv.Itoa(port))
	}
	if net.ParseIP(host) != nil {
		return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
	}
	return "https://" + host
}

// DeepLink builds the add-server link the app registers for.
func DeepLink(connectURL, secret string) string {
	q := url.Values{}
	q.Set("url", connectURL)
	if secret != "" {
		q.Set("secret", secret)
	}
	return "nomadflowcode://add-server?" + q.Encode()
}

func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.IsLinkLocalUnicast() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}

// PrintConnectionInfo writes the connect URL, secret and deep link.
func PrintConnectionInfo(w io.Writer, connectURL, secret string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  NomadFlow server ready")
	fmt.Fprintf(w, "  URL      : %s\n", connectURL)
	if secret != "" {
		fmt.Fprintf(w, "  Secret   : %s\n", secret)
	}
	fmt.Fprintf(w, "  App link : %s\n", DeepLink(connectURL, secret))
	fmt.Fprintln(w)
}
