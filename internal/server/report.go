package server

import (
	"encoding/xml"
	"io"
	"strconv"
	"time"
)

type xmlReport struct {
	XMLName  xml.Name        `xml:"reporte"`
	Fecha    string          `xml:"fecha"`
	Sensores []xmlSensorNode `xml:"sensores>sensor"`
}

type xmlSensorNode struct {
	ID       int64            `xml:"id,attr"`
	Promedio string           `xml:"promedio"`
	Lecturas []xmlReadingNode `xml:"lecturas>lectura"`
}

type xmlReadingNode struct {
	Timestamp string `xml:"timestamp,attr"`
	Valor     string `xml:"valor"`
}

// WriteReportXML renders the readings of one sensor and their mean. The mean
// is "NaN" when there are no readings.
func WriteReportXML(writer io.Writer, sensorID int64, readings []Reading, generatedAt time.Time) error {
	sensor := xmlSensorNode{
		ID:       sensorID,
		Promedio: "NaN",
		Lecturas: make([]xmlReadingNode, 0, len(readings)),
	}

	if len(readings) > 0 {
		sum := 0.0
		for _, reading := range readings {
			sum += reading.Valor
		}
		sensor.Promedio = strconv.FormatFloat(sum/float64(len(readings)), 'f', 6, 64)
	}

	for _, reading := range readings {
		sensor.Lecturas = append(sensor.Lecturas, xmlReadingNode{
			Timestamp: FormatTimestamp(reading.TomadaEn),
			Valor:     strconv.FormatFloat(reading.Valor, 'f', -1, 64),
		})
	}

	report := xmlReport{
		Fecha:    FormatTimestamp(generatedAt),
		Sensores: []xmlSensorNode{sensor},
	}

	if _, err := io.WriteString(writer, `<?xml version="1.0"?>`+"\n"); err != nil {
		return err
	}

	encoder := xml.NewEncoder(writer)
	encoder.Indent("", "  ")
	if err := encoder.Encode(report); err != nil {
		return err
	}
	return encoder.Close()
}
