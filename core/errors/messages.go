package errors

import (
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// DefaultLanguage is the language used for user-facing session messages.
var DefaultLanguage = language.Spanish

var catalogueOnce sync.Once

var spanishMessages = map[Kind]string{
	KindUnauthenticated:      "Tu sesión expiró. Inicia sesión nuevamente.",
	KindForbidden:            "No tienes permiso para realizar esta acción.",
	KindInvalidIntent:        "La operación no es válida en su estado actual.",
	KindNotOptedIn:           "La cuenta %s no está habilitada para el activo %s.",
	KindInsufficientBalance:  "Saldo insuficiente: necesitas %s y tienes %s.",
	KindBoxMissing:           "No encontramos el registro del intercambio en la blockchain.",
	KindBoxAlreadyExists:     "El intercambio ya fue registrado en la blockchain.",
	KindGroupMismatch:        "La transacción firmada no coincide. Vuelve a intentarlo.",
	KindSponsorMisconfigured: "El servicio de patrocinio no está disponible. Contacta a soporte.",
	KindAppMisconfigured:     "El servicio no está configurado correctamente. Contacta a soporte.",
	KindTimeGate:             "Podrás cancelar en %s segundos.",
	KindPrecondFailed:        "No se puede completar la operación: %s.",
	KindChainTimeout:         "La confirmación está tardando. Revisa el estado en unos minutos.",
	KindTransient:            "Error temporal de red. Inténtalo de nuevo.",
	KindAmountTooSmall:       "El monto es demasiado pequeño.",
	KindUnsupportedAsset:     "Este activo no es compatible.",
	KindPoolError:            "La red rechazó la transacción.",
	KindRateLimited:          "Demasiadas solicitudes. Espera un momento.",
	KindInternal:             "Ocurrió un error inesperado.",
}

func loadCatalogue() {
	catalogueOnce.Do(func() {
		for kind, msg := range spanishMessages {
			_ = message.SetString(language.Spanish, string(kind), msg)
		}
	})
}

// Localize renders err as a user-facing string in DefaultLanguage.
func Localize(err error) string {
	return LocalizeIn(DefaultLanguage, err)
}

// LocalizeIn renders err for the supplied language tag. Kinds with no
// translation fall back to the internal message.
func LocalizeIn(tag language.Tag, err error) string {
	if err == nil {
		return ""
	}
	loadCatalogue()
	typed, ok := As(err)
	if !ok {
		typed = &Error{Kind: KindInternal}
	}
	p := message.NewPrinter(tag)
	switch typed.Kind {
	case KindNotOptedIn:
		return p.Sprintf(string(typed.Kind), typed.Address, strconv.FormatUint(typed.AssetID, 10))
	case KindInsufficientBalance:
		return p.Sprintf(string(typed.Kind), FormatUnits(typed.Need), FormatUnits(typed.Have))
	case KindTimeGate:
		return p.Sprintf(string(typed.Kind), strconv.FormatInt(typed.SecondsRemaining, 10))
	case KindPrecondFailed:
		return p.Sprintf(string(typed.Kind), typed.Reason)
	}
	if _, known := spanishMessages[typed.Kind]; !known {
		return typed.Error()
	}
	return p.Sprintf(string(typed.Kind))
}

// FormatUnits renders 6-decimal base units with two decimals, truncating.
func FormatUnits(base uint64) string {
	whole := base / 1_000_000
	cents := (base % 1_000_000) / 10_000
	return fmt.Sprintf("%d.%02d", whole, cents)
}
