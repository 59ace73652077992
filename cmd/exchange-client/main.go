// Command exchange-client is an interactive terminal client. It asks
// the coordinator to create or locate an account, connects to the
// owning node, and turns simple commands into protocol requests.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/chomosuke/distributed-exchange/internal/domain"
	"github.com/chomosuke/distributed-exchange/internal/wire"
)

func main() {
	coordAddr := flag.String("coordinator", "127.0.0.1:4000", "Coordinator address")
	flag.Parse()

	fmt.Println("Welcome to the Distributed Stock Exchange!")
	fmt.Println()

	stdin := bufio.NewScanner(os.Stdin)
	var session *nodeSession
	for {
		if session == nil {
			fmt.Println("Choose an action:")
			fmt.Println("  c                      Create a new account")
			fmt.Println("  l <id> <node_id>       Login with your account")
			fmt.Println("  q                      Exit")
		} else {
			fmt.Printf("Account %d@%d. Choose an action:\n", session.userID.ID, session.userID.NodeID)
			fmt.Println("  b <ticker> <price> <quantity>  Submit a buy order")
			fmt.Println("  s <ticker> <price> <quantity>  Submit a sell order")
			fmt.Println("  c <ticker> <price> <quantity>  Cancel a buy order (C <side>...: cb/cs)")
			fmt.Println("  o                              View your submitted orders")
			fmt.Println("  m                              View market depth")
			fmt.Println("  r                              View balance and holdings")
			fmt.Println("  u <amount>                     Set cash balance")
			fmt.Println("  d <ticker> <quantity>          Deposit stock")
			fmt.Println("  w <ticker> <quantity>          Withdraw stock")
			fmt.Println("  !                              Delete your account permanently")
			fmt.Println("  q                              Quit")
		}
		fmt.Print("> ")
		if !stdin.Scan() {
			break
		}
		fields := strings.Fields(stdin.Text())
		if len(fields) == 0 {
			continue
		}
		var err error
		if session == nil {
			session, err = loggedOut(*coordAddr, fields)
		} else {
			session, err = session.loggedIn(fields)
		}
		if err != nil {
			if err == errQuit {
				break
			}
			fmt.Println("error:", err)
		}
		fmt.Println()
	}
	if session != nil {
		session.close()
	}
}

var errQuit = fmt.Errorf("quit")

type nodeSession struct {
	userID domain.UserID
	rw     *wire.ReadWriter
}

func loggedOut(coordAddr string, fields []string) (*nodeSession, error) {
	switch fields[0] {
	case "q":
		return nil, errQuit
	case "c":
		userID, err := createAccount(coordAddr)
		if err != nil {
			return nil, err
		}
		fmt.Printf("Created account id=%d node_id=%d\n", userID.ID, userID.NodeID)
		return login(coordAddr, userID)
	case "l":
		if len(fields) != 3 {
			return nil, fmt.Errorf("usage: l <id> <node_id>")
		}
		id, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad account id %q", fields[1])
		}
		nodeID, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("bad node id %q", fields[2])
		}
		return login(coordAddr, domain.UserID{ID: domain.AccountID(id), NodeID: domain.NodeID(nodeID)})
	}
	return nil, fmt.Errorf("unknown command %q", fields[0])
}

// createAccount asks the coordinator to place a new account.
func createAccount(coordAddr string) (domain.UserID, error) {
	rw, err := dial(coordAddr)
	if err != nil {
		return domain.UserID{}, err
	}
	defer rw.Close()
	if err := rw.WriteJSON("C account"); err != nil {
		return domain.UserID{}, err
	}
	line, err := rw.ReadLine()
	if err != nil {
		return domain.UserID{}, err
	}
	var userID domain.UserID
	if err := json.Unmarshal([]byte(line), &userID); err != nil {
		return domain.UserID{}, fmt.Errorf("coordinator replied %q", line)
	}
	return userID, nil
}

// login resolves the owning node via the coordinator and opens an
// authenticated session to it.
func login(coordAddr string, userID domain.UserID) (*nodeSession, error) {
	rw, err := dial(coordAddr)
	if err != nil {
		return nil, err
	}
	if err := rw.WriteJSON(userID); err != nil {
		rw.Close()
		return nil, err
	}
	nodeAddr, err := rw.ReadLine()
	rw.Close()
	if err != nil {
		return nil, err
	}
	nrw, err := dial(nodeAddr)
	if err != nil {
		return nil, err
	}
	if err := nrw.WriteJSON(userID); err != nil {
		nrw.Close()
		return nil, err
	}
	fmt.Printf("Connected to node %d at %s\n", userID.NodeID, nodeAddr)
	return &nodeSession{userID: userID, rw: nrw}, nil
}

func dial(addr string) (*wire.ReadWriter, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return wire.NewReadWriter(conn), nil
}

func (s *nodeSession) loggedIn(fields []string) (*nodeSession, error) {
	switch fields[0] {
	case "q":
		return nil, errQuit
	case "b", "s":
		side := domain.OrderTypeBuy
		if fields[0] == "s" {
			side = domain.OrderTypeSell
		}
		order, err := parseOrder(side, fields[1:])
		if err != nil {
			return s, err
		}
		return s, s.request("C order", order)
	case "cb", "cs", "c":
		side := domain.OrderTypeBuy
		if fields[0] == "cs" {
			side = domain.OrderTypeSell
		}
		order, err := parseOrder(side, fields[1:])
		if err != nil {
			return s, err
		}
		return s, s.request("D order", order)
	case "o":
		return s, s.request("R order", nil)
	case "m":
		return s, s.request("R market", nil)
	case "r":
		if err := s.request("R balance", nil); err != nil {
			return s, err
		}
		return s, s.request("R stock", nil)
	case "u":
		if len(fields) != 2 {
			return s, fmt.Errorf("usage: u <amount>")
		}
		amount, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return s, fmt.Errorf("bad amount %q", fields[1])
		}
		return s, s.request("U balance", amount)
	case "d", "w":
		if len(fields) != 3 {
			return s, fmt.Errorf("usage: %s <ticker> <quantity>", fields[0])
		}
		qty, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return s, fmt.Errorf("bad quantity %q", fields[2])
		}
		verb := "C stock"
		if fields[0] == "w" {
			verb = "D stock"
		}
		return s, s.request(verb, map[string]any{"ticker_id": fields[1], "quantity": qty})
	case "!":
		line, err := s.exchange("D account", nil)
		if err != nil {
			return s, err
		}
		if line != wire.StatusOK {
			return s, nil
		}
		s.close()
		return nil, nil
	}
	return s, fmt.Errorf("unknown command %q", fields[0])
}

func parseOrder(side domain.OrderType, args []string) (domain.OrderRequest, error) {
	if len(args) != 3 {
		return domain.OrderRequest{}, fmt.Errorf("expected <ticker> <price> <quantity>")
	}
	price, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return domain.OrderRequest{}, fmt.Errorf("bad price %q", args[1])
	}
	qty, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		return domain.OrderRequest{}, fmt.Errorf("bad quantity %q", args[2])
	}
	return domain.OrderRequest{
		Type:     side,
		Ticker:   domain.Ticker(args[0]),
		Price:    domain.CentCount(price),
		Quantity: domain.Quantity(qty),
	}, nil
}

// request sends one typed request and prints the one-line reply.
func (s *nodeSession) request(reqType string, value any) error {
	_, err := s.exchange(reqType, value)
	return err
}

func (s *nodeSession) exchange(reqType string, value any) (string, error) {
	msg := map[string]any{"type": reqType}
	if value != nil {
		msg["value"] = value
	}
	if err := s.rw.WriteJSON(msg); err != nil {
		return "", err
	}
	line, err := s.rw.ReadLine()
	if err != nil {
		return "", err
	}
	fmt.Println(line)
	return line, nil
}

func (s *nodeSession) close() {
	s.rw.WriteLine(wire.Bye)
	s.rw.Close()
}
