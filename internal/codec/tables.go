package codec

// unitStrings maps org.bluetooth.unit assigned numbers to display suffixes.
// 0x2700 (unitless) is intentionally absent.
var unitStrings = map[uint16]string{
	0x2701: "Meters",
	0x2702: "Kilograms",
	0x2703: "Seconds",
	0x2704: "Amperes",
	0x2705: "K",
	0x2706: "Moles",
	0x2707: "Candelas",
	0x2710: "m2",
	0x2711: "m3",
	0x2712: "m/s",
	0x2713: "m/s2",
	0x2714: "Wavenumber",
	0x2715: "kg/m3",
	0x2716: "kg/m2",
	0x2717: "m3/kg",
	0x2718: "A/m2",
	0x2719: "A/m",
	0x271A: "mol/m3",
	0x271B: "kg/m3",
	0x271C: "cd/m2",
	0x271D: "n",
	0x271E: "Kri",
	0x2720: "Radians",
	0x2721: "Steradians",
	0x2722: "Hz",
	0x2723: "N",
	0x2724: "Pa",
	0x2725: "Joules",
	0x2726: "Watts",
	0x2727: "Coulombs",
	0x2728: "Volts",
	0x2729: "Farads",
	0x272A: "Ohms",
	0x272B: "Siemens",
	0x272C: "Webers",
	0x272D: "Teslas",
	0x272E: "H",
	0x272F: "C",
	0x2730: "Lumens",
	0x2731: "Lux",
	0x2732: "Bq",
	0x2733: "Gy",
	0x2734: "Sv",
	0x2735: "kat",
	0x2740: "Pa/s",
	0x2741: "Nm",
	0x2742: "N/m",
	0x2743: "rad/s",
	0x2744: "rad/s2",
	0x2745: "W/m2",
	0x2746: "J/K",
	0x2747: "J/kgK",
	0x2748: "J/kg",
	0x2749: "W/(mK)",
	0x274A: "J/m3",
	0x274B: "V/m",
	0x274C: "Coulomb/m3",
	0x274D: "Coulomb/m2",
	0x274E: "Coulomb/m2",
	0x274F: "Farad/m",
	0x2750: "H/m",
	0x2751: "Joule/mole",
	0x2752: "J/molK",
	0x2753: "Coulomb/kg",
	0x2754: "Gy/s",
	0x2755: "W/sr",
	0x2756: "W/m2sr",
	0x2757: "Katal/m3",
	0x2760: "Minutes",
	0x2761: "Hours",
	0x2762: "Days",
	0x2763: "Degrees",
	0x2764: "Minutes",
	0x2765: "Seconds",
	0x2766: "Hectares",
	0x2767: "Litres",
	0x2768: "Tonnes",
	0x2780: "bar",
	0x2781: "mmHg",
	0x2782: "Angstroms",
	0x2783: "NM",
	0x2784: "Barns",
	0x2785: "Knots",
	0x2786: "Nepers",
	0x2787: "bel",
	0x27A0: "Yards",
	0x27A1: "Parsecs",
	0x27A2: "Inches",
	0x27A3: "Feet",
	0x27A4: "Miles",
	0x27A5: "psi",
	0x27A6: "KPH",
	0x27A7: "MPH",
	0x27A8: "RPM",
	0x27A9: "cal",
	0x27AA: "Cal",
	0x27AB: "kWh",
	0x27AC: "F",
	0x27AD: "Percent",
	0x27AE: "Per Mile",
	0x27AF: "bp/m",
	0x27B0: "Ah",
	0x27B1: "mg/Decilitre",
	0x27B2: "mmol/l",
	0x27B3: "Years",
	0x27B4: "Months",
	0x27B5: "Count/m3",
	0x27B6: "Watt/m2",
	0x27B7: "ml/kg/min",
	0x27B8: "lbs",
	0x27B9: "metabolic equivalent",
	0x27BA: "step / minute",
	0x27BC: "stroke / minute",
	0x27BD: "km/mile",
	0x27BE: "lumen per watt",
	0x27BF: "lumen hour",
	0x27C0: "lux hour",
	0x27C1: "g/s",
	0x27C2: "l/s",
	0x27C3: "db",
	0x27C4: "ppm",
	0x27C5: "ppb",
	0x27C6: "mg/dl/min",
	0x27C7: "kilovolt ampere hour",
	0x27C8: "volt ampere",
}

// descriptionStrings maps Bluetooth SIG namespace description codes to words:
// 0x0001..0x00FF are ordinals, 0x0100..0x0110 are positions.
var descriptionStrings = buildDescriptions()

var positionWords = []string{
	"front", "back", "top", "bottom", "upper", "lower", "main", "backup",
	"auxiliary", "supplementary", "flash", "inside", "outside", "left", "right",
	"internal", "external",
}

func buildDescriptions() map[uint16]string {
	m := make(map[uint16]string, 255+len(positionWords))
	for n := 1; n <= 255; n++ {
		m[uint16(n)] = ordinal(n)
	}
	for i, w := range positionWords {
		m[uint16(0x0100+i)] = w
	}
	return m
}

var (
	cardinalUnits = []string{"", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine",
		"ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen", "sixteen", "seventeen", "eighteen", "nineteen"}
	ordinalUnits = []string{"", "first", "second", "third", "fourth", "fifth", "sixth", "seventh", "eighth", "ninth",
		"tenth", "eleventh", "twelfth", "thirteenth", "fourteenth", "fifteenth", "sixteenth", "seventeenth", "eighteenth", "nineteenth"}
	cardinalTens = []string{"", "", "twenty", "thirty", "forty", "fifty", "sixty", "seventy", "eighty", "ninety"}
	ordinalTens  = []string{"", "", "twentieth", "thirtieth", "fortieth", "fiftieth", "sixtieth", "seventieth", "eightieth", "ninetieth"}
)

// ordinal spells 1..999 as an English ordinal, e.g. 21 "twenty first",
// 101 "one hundred and first", 120 "one hundred twentieth", 200 "two hundredth".
func ordinal(n int) string {
	if n >= 100 {
		hundreds := cardinalUnits[n/100] + " hundred"
		rest := n % 100
		switch {
		case rest == 0:
			return hundreds + "th"
		case rest >= 20 && rest%10 == 0:
			return hundreds + " " + ordinalTens[rest/10]
		default:
			return hundreds + " and " + ordinal(rest)
		}
	}
	if n < 20 {
		return ordinalUnits[n]
	}
	if n%10 == 0 {
		return ordinalTens[n/10]
	}
	return cardinalTens[n/10] + " " + ordinalUnits[n%10]
}
