package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	// Metric Names
	MetricReadingsIngested  = "ReadingsIngested"
	MetricReadingsRejected  = "ReadingsRejected"
	MetricAnomalyConfirmed  = "AnomalyConfirmed"
	MetricCompositeEmitted  = "CompositeEmitted"
	MetricCompositePartial  = "CompositePartial"
	MetricLateArrival       = "LateArrival"
	MetricAlertEmitted      = "AlertEmitted"
	MetricAlertSuppressed   = "AlertSuppressed"
	MetricDeliveryAttempt   = "DeliveryAttempt"
	MetricPipelineLatency   = "PipelineLatency"
	MetricStageLatency      = "StageLatency"

	// Stage dimension values for MetricStageLatency.
	StageIngest = "ingest"
	StageScore  = "score"
	StageRisk   = "risk"
	StageAlert  = "alert"

	// Dimension Keys
	DimMetricKind     = "MetricKind"
	DimDischargePoint = "DischargePoint"
	DimSensor         = "Sensor"
	DimStage          = "Stage"
	DimResult         = "Result"
	DimChannel        = "Channel"
	DimRiskBand       = "RiskBand"

	// Metric Namespace
	MetricNamespace = "RiverWatch"
)
