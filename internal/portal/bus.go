// Package portal talks to org.freedesktop.portal.ScreenCast over the session
// bus to negotiate a PipeWire screen-cast node.
package portal

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

const (
	ObjectName        = "org.freedesktop.portal.Desktop"
	ObjectPath        = "/org/freedesktop/portal/desktop"
	CallBaseName      = "org.freedesktop.portal"
	PropertiesGetName = "org.freedesktop.DBus.Properties.Get"

	requestInterface = CallBaseName + ".Request"
	responseMember   = "Response"
	sessionClose     = CallBaseName + ".Session.Close"
)

var ErrUnexpectedResponse = errors.New("unexpected response from dbus")

// ResponseStatus is the first argument of a Request.Response signal.
type ResponseStatus = uint32

const (
	Success   ResponseStatus = 0
	Cancelled ResponseStatus = 1
	Ended     ResponseStatus = 2
)

var (
	boolSignature   = dbus.SignatureOfType(reflect.TypeOf(false))
	stringSignature = dbus.SignatureOfType(reflect.TypeOf(""))
	uint32Signature = dbus.SignatureOfType(reflect.TypeOf(uint32(0)))
)

func fromBool(v bool) dbus.Variant { return dbus.MakeVariantWithSignature(v, boolSignature) }

func fromString(v string) dbus.Variant { return dbus.MakeVariantWithSignature(v, stringSignature) }

func fromUint32(v uint32) dbus.Variant { return dbus.MakeVariantWithSignature(v, uint32Signature) }

// newToken returns a handle token accepted by the portal: letters, digits
// and underscores only.
func newToken() string {
	return "screenrec_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func call(callName string, args ...any) (any, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, err
	}

	c := conn.Object(ObjectName, ObjectPath).Call(callName, 0, args...)
	if c.Err != nil {
		return nil, c.Err
	}

	var result any
	err = c.Store(&result)
	return result, err
}

func callOnObject(path dbus.ObjectPath, callName string, args ...any) error {
	conn, err := dbus.SessionBus()
	if err != nil {
		return err
	}
	return conn.Object(ObjectName, path).Call(callName, 0, args...).Err
}

func getProperty(interfaceName, property string) (any, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, err
	}

	c := conn.Object(ObjectName, ObjectPath).Call(PropertiesGetName, 0, interfaceName, property)
	if c.Err != nil {
		return nil, c.Err
	}

	var value any
	err = c.Store(&value)
	return value, err
}

// callRequest issues a portal method that answers through a Request object
// and waits for its Response signal.
func callRequest(ctx context.Context, callName string, args ...any) (ResponseStatus, map[string]dbus.Variant, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return Ended, nil, err
	}

	signals := make(chan *dbus.Signal, 4)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	matches := []dbus.MatchOption{
		dbus.WithMatchInterface(requestInterface),
		dbus.WithMatchMember(responseMember),
	}
	if err := conn.AddMatchSignal(matches...); err != nil {
		return Ended, nil, err
	}
	defer func() { _ = conn.RemoveMatchSignal(matches...) }()

	result, err := call(callName, args...)
	if err != nil {
		return Ended, nil, err
	}
	requestPath, ok := result.(dbus.ObjectPath)
	if !ok {
		return Ended, nil, fmt.Errorf("%s returned unexpected type %T", callName, result)
	}

	for {
		select {
		case <-ctx.Done():
			_ = callOnObject(requestPath, requestInterface+".Close")
			return Ended, nil, ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return Ended, nil, ErrUnexpectedResponse
			}
			if sig.Path != requestPath || sig.Name != requestInterface+"."+responseMember {
				continue
			}
			if len(sig.Body) != 2 {
				return Ended, nil, ErrUnexpectedResponse
			}
			status, ok := sig.Body[0].(uint32)
			if !ok {
				return Ended, nil, ErrUnexpectedResponse
			}
			results, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				return Ended, nil, ErrUnexpectedResponse
			}
			return status, results, nil
		}
	}
}
